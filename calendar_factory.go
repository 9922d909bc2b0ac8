package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"
)

// CalendarFactory builds the configured calendar gateway.
type CalendarFactory struct {
	config *Config
	db     *sql.DB
	loc    *time.Location
}

func NewCalendarFactory(config *Config, db *sql.DB, loc *time.Location) *CalendarFactory {
	return &CalendarFactory{
		config: config,
		db:     db,
		loc:    loc,
	}
}

// CreateCalendarProvider returns the gateway selected by sync.provider. It
// is not logged in yet.
func (cf *CalendarFactory) CreateCalendarProvider() (CalendarGateway, error) {
	timeout := cf.config.RequestTimeout()

	switch cf.config.Sync.Provider {
	case "google":
		account := cf.config.Google.Account
		connect := func(ctx context.Context) (*http.Client, error) {
			return getClient(ctx, oauthConfig, cf.db, account, timeout)
		}
		return NewGoogleCalendarProvider(cf.config.Google.CalendarID, cf.loc, connect), nil

	case "caldav":
		server := cf.config.CalDAV
		if server.ServerURL == "" {
			return nil, fmt.Errorf("no CalDAV server configured")
		}
		return NewCalDAVProvider(server.ServerURL, server.Username, server.Password, server.CalendarPath,
			cf.loc, &http.Client{Timeout: timeout}), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cf.config.Sync.Provider)
	}
}

type accessChecker interface {
	CheckAccess(ctx context.Context) error
}

// ValidateCalendarAccess logs the provider in and checks the configured
// calendar is reachable.
func (cf *CalendarFactory) ValidateCalendarAccess(ctx context.Context, provider CalendarGateway) error {
	if err := provider.Login(ctx); err != nil {
		return err
	}
	if checker, ok := provider.(accessChecker); ok {
		return checker.CheckAccess(ctx)
	}
	return nil
}
