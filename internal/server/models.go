package server

import (
	"time"

	"github.com/mohammad-safakhou/deepbrief/internal/store"
)

// HTTPError is the JSON error envelope returned by the unified error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Profile  string `json:"profile,omitempty"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// BriefCreateRequest launches one research run.
type BriefCreateRequest struct {
	Query       string                 `json:"query"`
	Profile     string                 `json:"profile,omitempty"`
	MaxCredits  int64                  `json:"max_credits,omitempty"`
	IsFollowUp  bool                   `json:"is_follow_up,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
}

type BriefCreateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type CreditsResponse struct {
	Balance int64               `json:"balance"`
	History []store.LedgerEntry `json:"history,omitempty"`
}

type ScheduleCreateRequest struct {
	Query string `json:"query"`
	Cron  string `json:"cron,omitempty"`
}

type ScheduleResponse struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	Cron      string     `json:"cron"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
