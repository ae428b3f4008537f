package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ClientOrigin string        `yaml:"client_origin"`
		SessionTTL   time.Duration `yaml:"session_ttl"`
	} `yaml:"server"`

	GitLab struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`

		OAuth struct {
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			RedirectURL  string   `yaml:"redirect_url"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"gitlab"`

	Poll struct {
		Interval    time.Duration `yaml:"interval"`
		PauseFile   string        `yaml:"pause_file"`
		JobAttempts int           `yaml:"job_attempts"`
		JobInterval time.Duration `yaml:"job_interval"`
	} `yaml:"poll"`

	Store struct {
		GroupsPath  string `yaml:"groups_path"`
		HistoryPath string `yaml:"history_path"`
	} `yaml:"store"`
}

func Load(path string) (Config, error) {
	var c Config

	c.Server.Addr = ":3001"
	c.Server.ClientOrigin = "http://localhost:3000"
	c.Server.SessionTTL = 24 * time.Hour
	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.GitLab.OAuth.Scopes = []string{"read_user", "read_api", "api"}
	c.Poll.Interval = 30 * time.Second
	c.Poll.JobAttempts = 10
	c.Poll.JobInterval = 2 * time.Second
	c.Store.GroupsPath = "groups.json"
	c.Store.HistoryPath = "bulk_deploy_history.json"

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(b, &c)
		}
	}

	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("CLIENT_ORIGIN"); v != "" {
		c.Server.ClientOrigin = v
	}

	if v := os.Getenv("GITLAB_BASE_URL"); v != "" {
		c.GitLab.BaseURL = v
	}

	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		c.GitLab.Token = v
	}

	if v := os.Getenv("GITLAB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitLab.Timeout = d
		}
	}

	if v := os.Getenv("GITLAB_CLIENT_ID"); v != "" {
		c.GitLab.OAuth.ClientID = v
	}

	if v := os.Getenv("GITLAB_CLIENT_SECRET"); v != "" {
		c.GitLab.OAuth.ClientSecret = v
	}

	if v := os.Getenv("GITLAB_REDIRECT_URI"); v != "" {
		c.GitLab.OAuth.RedirectURL = v
	}

	if v := os.Getenv("INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Poll.Interval = d
		}
	}

	if v := os.Getenv("GROUPS_PATH"); v != "" {
		c.Store.GroupsPath = v
	}

	if v := os.Getenv("HISTORY_PATH"); v != "" {
		c.Store.HistoryPath = v
	}

	if c.GitLab.BaseURL == "" {
		c.GitLab.BaseURL = "https://gitlab.com"
	}
	c.GitLab.BaseURL = strings.TrimRight(c.GitLab.BaseURL, "/")

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 30 * time.Second
	}

	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 10 * time.Second
	}

	if c.Poll.JobAttempts <= 0 {
		c.Poll.JobAttempts = 10
	}

	if c.Poll.JobInterval <= 0 {
		c.Poll.JobInterval = 2 * time.Second
	}

	if c.GitLab.OAuth.RedirectURL == "" {
		c.GitLab.OAuth.RedirectURL = "http://localhost:3001/auth/gitlab/callback"
	}

	if c.GitLab.Token == "" {
		return c, errors.New("GITLAB_TOKEN is required")
	}

	return c, nil
}
