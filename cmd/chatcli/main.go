package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/auth"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/client"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type cliConfig struct {
	APIURL    string
	SocketURL string
	Token     string
	UserID    string
	JWTSecret string
	Env       string
	LogFile   string
}

func loadConfig() cliConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("CHAT_API_URL", "http://localhost:8080/api/v1")
	v.SetDefault("CHAT_SOCKET_URL", "ws://localhost:8080/ws")
	v.SetDefault("APP_ENV", "dev")
	return cliConfig{
		APIURL:    v.GetString("CHAT_API_URL"),
		SocketURL: v.GetString("CHAT_SOCKET_URL"),
		Token:     v.GetString("CHAT_TOKEN"),
		UserID:    v.GetString("CHAT_USER_ID"),
		JWTSecret: v.GetString("JWT_SECRET"),
		Env:       strings.ToLower(v.GetString("APP_ENV")),
		LogFile:   v.GetString("CHAT_LOG_FILE"),
	}
}

// resolveToken 优先使用 CHAT_TOKEN；dev 环境下可用 JWT_SECRET 为 CHAT_USER_ID 签发临时令牌。
func resolveToken(cfg cliConfig) (string, string, error) {
	if cfg.Token != "" {
		sub, err := auth.SubjectOf(cfg.Token)
		if err != nil {
			return "", "", fmt.Errorf("CHAT_TOKEN: %w", err)
		}
		return cfg.Token, sub, nil
	}
	if cfg.Env != "dev" || cfg.JWTSecret == "" || cfg.UserID == "" {
		return "", "", fmt.Errorf("set CHAT_TOKEN, or CHAT_USER_ID and JWT_SECRET in dev")
	}
	tok, err := auth.GenerateAccessToken(cfg.UserID, "", cfg.JWTSecret, 12*time.Hour)
	return tok, cfg.UserID, err
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	// 终端被 TUI 占用，日志只写入 CHAT_LOG_FILE
	log.Logger = zerolog.Nop()
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer f.Close()
		log.Logger = zerolog.New(f).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	}

	token, userID, err := resolveToken(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	s := client.NewSession(client.SessionConfig{
		APIURL:    cfg.APIURL,
		SocketURL: cfg.SocketURL,
		Token:     token,
		UserID:    userID,
	})
	if err := s.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "start session:", err)
		os.Exit(1)
	}
	defer s.Close()

	if _, err := tea.NewProgram(newModel(s), tea.WithAltScreen()).Run(); err != nil {
		log.Error().Err(err).Msg("chatcli")
		fmt.Fprintln(os.Stderr, err)
	}
}
