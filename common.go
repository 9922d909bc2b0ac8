package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	configFileName = ".cvvsync.toml"
	tokenDBName    = ".cvvsync.db"
	defaultAccount = "default"
	defaultZone    = "Europe/Rome"
)

type Config struct {
	Classeviva     ClassevivaConfig `toml:"classeviva"`
	Google         GoogleConfig     `toml:"google"`
	CalDAV         CalDAVConfig     `toml:"caldav"`
	Sync           SyncConfig       `toml:"sync"`
	VerbosityLevel int              `toml:"verbosity_level"`
}

type ClassevivaConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Identity string `toml:"identity"`
	BaseURL  string `toml:"base_url"`
}

type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	CalendarID   string `toml:"calendar_id"`
	RedirectURL  string `toml:"redirect_url"`
	Account      string `toml:"account"`
}

type CalDAVConfig struct {
	ServerURL    string `toml:"server_url"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	CalendarPath string `toml:"calendar_path"`
}

type SyncConfig struct {
	Provider       string `toml:"provider"`
	TermStart      string `toml:"term_start"`
	Interval       int    `toml:"interval"`
	Schedule       string `toml:"schedule"`
	Timezone       string `toml:"timezone"`
	Marker         string `toml:"marker"`
	StrictSnapshot bool   `toml:"strict_snapshot"`
	KeepGoing      bool   `toml:"keep_going"`
	RequestTimeout int    `toml:"request_timeout"`
	CacheDir       string `toml:"cache_dir"`
}

var oauthConfig *oauth2.Config
var configDir string
var verbosityLevel int

func initOAuthConfig(config *Config) {
	oauthConfig = &oauth2.Config{
		ClientID:     config.Google.ClientID,
		ClientSecret: config.Google.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  config.Google.RedirectURL,
		Scopes:       []string{calendar.CalendarScope},
	}
}

// readConfig loads filename. A bare name is looked up in the current dir,
// then in `$HOME/.config/cvvsync/`.
func readConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err == nil {
		configDir = filepath.Dir(filename) + string(filepath.Separator)
	} else {
		if filepath.Base(filename) != filename {
			return nil, err
		}
		dir := filepath.Join(os.Getenv("HOME"), ".config", "cvvsync") + string(filepath.Separator)
		data, err = os.ReadFile(dir + filename)
		if err != nil {
			return nil, err
		}
		configDir = dir
	}

	config, err := parseConfig(data)
	if err != nil {
		return nil, err
	}
	verbosityLevel = config.VerbosityLevel
	return config, nil
}

func parseConfig(data []byte) (*Config, error) {
	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.applyEnv(os.Getenv)
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CVV_USERNAME"); v != "" {
		c.Classeviva.Username = v
	}
	if v := getenv("CVV_PASSWORD"); v != "" {
		c.Classeviva.Password = v
	}
	if v := getenv("CVV_IDENTITY"); v != "" {
		c.Classeviva.Identity = v
	}
}

func (c *Config) applyDefaults() {
	if c.Sync.Provider == "" {
		c.Sync.Provider = "google"
	}
	c.Sync.Provider = strings.ToLower(c.Sync.Provider)
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = int(DefaultInterval / time.Second)
	}
	if c.Sync.Timezone == "" {
		c.Sync.Timezone = defaultZone
	}
	if c.Sync.Marker == "" {
		c.Sync.Marker = DefaultMarker
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = 30
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = "http://localhost"
	}
	if c.Google.Account == "" {
		c.Google.Account = defaultAccount
	}
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Classeviva.Username == "" {
		errs = append(errs, errors.New("classeviva.username is required"))
	}
	if c.Classeviva.Password == "" {
		errs = append(errs, errors.New("classeviva.password is required"))
	}

	switch c.Sync.Provider {
	case "google":
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			errs = append(errs, errors.New("google.client_id and google.client_secret are required"))
		}
	case "caldav":
		if c.CalDAV.ServerURL == "" {
			errs = append(errs, errors.New("caldav.server_url is required"))
		}
		if c.CalDAV.CalendarPath == "" {
			errs = append(errs, errors.New("caldav.calendar_path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported sync.provider %q (must be 'google' or 'caldav')", c.Sync.Provider))
	}

	loc, err := c.Location()
	if err != nil {
		errs = append(errs, err)
	} else if _, err := c.TermStart(loc, time.Now()); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sync.timezone: %w", err)
	}
	return loc, nil
}

// TermStart is the configured first day of the range, or September 1st of
// the school year now falls in.
func (c *Config) TermStart(loc *time.Location, now time.Time) (time.Time, error) {
	if c.Sync.TermStart != "" {
		t, err := time.ParseInLocation(dateLayout, c.Sync.TermStart, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("sync.term_start: %w", err)
		}
		return t, nil
	}
	now = now.In(loc)
	year := now.Year()
	if now.Month() < time.September {
		year--
	}
	return time.Date(year, time.September, 1, 0, 0, 0, 0, loc), nil
}

// Schedule is the cron spec when set, otherwise a fixed interval.
func (c *Config) Schedule() (cron.Schedule, error) {
	if c.Sync.Schedule != "" {
		s, err := cron.ParseStandard(c.Sync.Schedule)
		if err != nil {
			return nil, fmt.Errorf("sync.schedule: %w", err)
		}
		return s, nil
	}
	return cron.Every(time.Duration(c.Sync.Interval) * time.Second), nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeout) * time.Second
}

func openDB(filename string) (*sql.DB, error) {
	// Try first the same dir, where the config file was found
	db, err := sql.Open("sqlite3", configDir+filename)
	if err != nil {
		// Try the current dir
		db, err = sql.Open("sqlite3", filename)
		if err != nil {
			return nil, err
		}
	}
	return db, nil
}

func getTokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %w", err)
	}

	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}

func saveToken(db *sql.DB, accountName string, token *oauth2.Token) error {
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return err
	}

	_, err = db.Exec("INSERT OR REPLACE INTO tokens (account_name, token) VALUES (?, ?)", accountName, tokenJSON)
	return err
}

func loadToken(db *sql.DB, accountName string) (*oauth2.Token, error) {
	var tokenJSON []byte
	err := db.QueryRow("SELECT token FROM tokens WHERE account_name = ?", accountName).Scan(&tokenJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no token for account %s, run `cvvsync auth`", ErrAuthentication, accountName)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve token: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &token, nil
}

// getClient returns an HTTP client authorized with the stored token. Tokens
// refreshed along the way are written back to the database.
func getClient(ctx context.Context, config *oauth2.Config, db *sql.DB, accountName string, timeout time.Duration) (*http.Client, error) {
	token, err := loadToken(db, accountName)
	if err != nil {
		return nil, err
	}

	src := &storedTokenSource{
		base:    config.TokenSource(context.WithoutCancel(ctx), token),
		db:      db,
		account: accountName,
		last:    token.AccessToken,
	}
	if _, err := src.Token(); err != nil {
		if strings.Contains(err.Error(), "Token has been expired or revoked") {
			printVerbosely(1, "  ❗️ Token expired or revoked for account %s. Run `cvvsync auth` again.\n", accountName)
		}
		return nil, fmt.Errorf("%w: refresh token for %s: %w", ErrAuthentication, accountName, err)
	}

	client := oauth2.NewClient(ctx, src)
	client.Timeout = timeout
	return client, nil
}

type storedTokenSource struct {
	base    oauth2.TokenSource
	db      *sql.DB
	account string

	mu   sync.Mutex
	last string
}

func (s *storedTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != s.last {
		printVerbosely(4, "Token refreshed for account %s.\n", s.account)
		if err := saveToken(s.db, s.account, token); err != nil {
			return nil, fmt.Errorf("save refreshed token: %w", err)
		}
		s.last = token.AccessToken
	}
	return token, nil
}

// newLogger builds the engine logger: logfmt on stderr, filtered by the
// configured verbosity.
func newLogger(verbosity int) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var allow level.Option
	switch {
	case verbosity >= 5:
		allow = level.AllowDebug()
	case verbosity >= 3:
		allow = level.AllowInfo()
	case verbosity >= 1:
		allow = level.AllowWarn()
	default:
		allow = level.AllowError()
	}
	return level.NewFilter(logger, allow)
}

func printVerbosely(verbosity int, format string, a ...interface{}) {
	// Print only if verbosity is higher than verbosityLevel
	// verbosityLevel is set in the config file
	// 0 - no output, other than critical errors
	// 1 - pass summaries
	// 2 - progress while a pass runs
	// 3 - login and schedule notices
	// 4 - token refreshes
	// 5 - report everything
	if verbosity <= verbosityLevel {
		fmt.Printf(format, a...)
	}
}
