package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	classevivaBaseURL   = "https://web.spaggiari.eu/rest/v1"
	classevivaUserAgent = "CVVS/std/4.2.3 Android/12"
	classevivaAPIKey    = "Tg1NWEwNGIgIC0K"
	classevivaDayLayout = "20060102"
	classevivaLoginPath = "/auth/login"
)

// ClassevivaClient reads agenda and notes from the Classeviva REST API.
type ClassevivaClient struct {
	baseURL  string
	username string
	password string
	identity string
	loc      *time.Location
	http     *http.Client

	ident     string
	studentID string
	token     string
	expires   time.Time
}

func NewClassevivaClient(baseURL, username, password, identity string, loc *time.Location, httpClient *http.Client) *ClassevivaClient {
	if baseURL == "" {
		baseURL = classevivaBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if loc == nil {
		loc = time.Local
	}
	return &ClassevivaClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		identity: identity,
		loc:      loc,
		http:     httpClient,
	}
}

type cvvLoginRequest struct {
	Ident *string `json:"ident"`
	Pass  string  `json:"pass"`
	UID   string  `json:"uid"`
}

type cvvLoginResponse struct {
	Ident           string `json:"ident"`
	Token           string `json:"token"`
	Expire          string `json:"expire"`
	RequestedAction string `json:"requestedAction"`
	Choices         []struct {
		Ident string `json:"ident"`
		Name  string `json:"name"`
	} `json:"choices"`
}

// Login authenticates and picks the configured identity when the account
// holds more than one.
func (c *ClassevivaClient) Login(ctx context.Context) error {
	req := cvvLoginRequest{Pass: c.password, UID: c.username}
	if c.identity != "" {
		req.Ident = &c.identity
	}

	var res cvvLoginResponse
	if err := c.do(ctx, http.MethodPost, classevivaLoginPath, req, &res); err != nil {
		return err
	}

	if res.RequestedAction == "choose" {
		if c.identity != "" || len(res.Choices) == 0 {
			return fmt.Errorf("%w: classeviva: identity %q not accepted", ErrAuthentication, c.identity)
		}
		ident := res.Choices[0].Ident
		req.Ident = &ident
		res = cvvLoginResponse{}
		if err := c.do(ctx, http.MethodPost, classevivaLoginPath, req, &res); err != nil {
			return err
		}
	}

	if res.Token == "" {
		return fmt.Errorf("%w: classeviva: login returned no token", ErrAuthentication)
	}
	c.ident = res.Ident
	c.studentID = studentID(res.Ident)
	c.token = res.Token
	c.expires = time.Time{}
	if expires, err := time.Parse(time.RFC3339, res.Expire); err == nil {
		c.expires = expires
	}
	return nil
}

// Authenticated reports whether a session token is held and has not passed
// the expiry the server announced at login.
func (c *ClassevivaClient) Authenticated() bool {
	if c.token == "" {
		return false
	}
	return c.expires.IsZero() || time.Now().Before(c.expires)
}

// Identity is the account ident returned by the last login, or the
// configured one before that.
func (c *ClassevivaClient) Identity() string {
	if c.ident != "" {
		return c.ident
	}
	if c.identity != "" {
		return c.identity
	}
	return c.username
}

type cvvPeriods struct {
	Periods []struct {
		Code  string `json:"periodCode"`
		Desc  string `json:"periodDesc"`
		Start string `json:"dateStart"`
		End   string `json:"dateEnd"`
	} `json:"periods"`
}

func (c *ClassevivaClient) AcademicPeriods(ctx context.Context) ([]Period, error) {
	var res cvvPeriods
	if err := c.do(ctx, http.MethodGet, "/students/"+c.studentID+"/periods", nil, &res); err != nil {
		return nil, err
	}

	periods := make([]Period, 0, len(res.Periods))
	for _, p := range res.Periods {
		start, err := time.ParseInLocation(dateLayout, p.Start, c.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: classeviva: period %s start: %w", ErrGatewayRequest, p.Code, err)
		}
		end, err := time.ParseInLocation(dateLayout, p.End, c.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: classeviva: period %s end: %w", ErrGatewayRequest, p.Code, err)
		}
		periods = append(periods, Period{Code: p.Code, Desc: p.Desc, Start: start, End: end})
	}
	sort.SliceStable(periods, func(i, j int) bool { return periods[i].End.Before(periods[j].End) })
	return periods, nil
}

type cvvAgenda struct {
	Agenda []struct {
		Code        string `json:"evtCode"`
		Begin       string `json:"evtDatetimeBegin"`
		End         string `json:"evtDatetimeEnd"`
		FullDay     bool   `json:"isFullDay"`
		Notes       string `json:"notes"`
		AuthorName  string `json:"authorName"`
		SubjectDesc string `json:"subjectDesc"`
	} `json:"agenda"`
}

type cvvNote struct {
	Text       string `json:"evtText"`
	Date       string `json:"evtDate"`
	AuthorName string `json:"authorName"`
}

// Days returns the register days in [start, end) holding at least one
// record, ordered by date.
func (c *ClassevivaClient) Days(ctx context.Context, start, end time.Time) ([]SourceDay, error) {
	last := end.Add(-time.Nanosecond)
	if last.Before(start) {
		return nil, nil
	}

	var agenda cvvAgenda
	path := fmt.Sprintf("/students/%s/agenda/all/%s/%s", c.studentID,
		start.In(c.loc).Format(classevivaDayLayout), last.In(c.loc).Format(classevivaDayLayout))
	if err := c.do(ctx, http.MethodGet, path, nil, &agenda); err != nil {
		return nil, err
	}

	var notes map[string][]cvvNote
	if err := c.do(ctx, http.MethodGet, "/students/"+c.studentID+"/notes/all", nil, &notes); err != nil {
		return nil, err
	}

	days := map[string]*SourceDay{}
	dayOf := func(t time.Time) *SourceDay {
		t = t.In(c.loc)
		key := t.Format(dateLayout)
		d, ok := days[key]
		if !ok {
			d = &SourceDay{Date: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)}
			days[key] = d
		}
		return d
	}
	inRange := func(t time.Time) bool {
		return !t.Before(start) && t.Before(end)
	}

	for _, a := range agenda.Agenda {
		begin, err := time.Parse(time.RFC3339, a.Begin)
		if err != nil {
			return nil, fmt.Errorf("%w: classeviva: agenda begin %q: %w", ErrGatewayRequest, a.Begin, err)
		}
		finish, err := time.Parse(time.RFC3339, a.End)
		if err != nil {
			finish = begin
		}
		if !inRange(begin) {
			continue
		}
		d := dayOf(begin)
		d.Agenda = append(d.Agenda, AgendaEntry{
			Kind:    AgendaKind(a.Code),
			Subject: a.SubjectDesc,
			Author:  a.AuthorName,
			Body:    a.Notes,
			Start:   begin,
			End:     finish,
			FullDay: a.FullDay,
		})
	}

	for _, kind := range []NoteKind{NoteTeacher, NoteRegistry, NoteWarning, NoteSanction} {
		for _, n := range notes[string(kind)] {
			date, err := time.ParseInLocation(dateLayout, n.Date, c.loc)
			if err != nil {
				return nil, fmt.Errorf("%w: classeviva: note date %q: %w", ErrGatewayRequest, n.Date, err)
			}
			if !inRange(date) {
				continue
			}
			d := dayOf(date)
			d.Notes = append(d.Notes, Note{Kind: kind, Author: n.AuthorName, Body: n.Text, Date: date})
		}
	}

	out := make([]SourceDay, 0, len(days))
	for _, d := range days {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// do sends one request. A session rejected by the server is renewed once
// and the request repeated.
func (c *ClassevivaClient) do(ctx context.Context, method, path string, body, out any) error {
	err := c.send(ctx, method, path, body, out)
	if err == nil || path == classevivaLoginPath || !errors.Is(err, errSessionRejected) {
		return err
	}
	if err := c.Login(ctx); err != nil {
		return err
	}
	return c.send(ctx, method, path, body, out)
}

var errSessionRejected = errors.New("session rejected")

func (c *ClassevivaClient) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: classeviva: %w", ErrGatewayRequest, err)
	}
	req.Header.Set("User-Agent", classevivaUserAgent)
	req.Header.Set("Z-Dev-Apikey", classevivaAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Z-Auth-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: classeviva %s: %w", ErrGatewayRequest, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if path == classevivaLoginPath {
			c.token = ""
			return fmt.Errorf("%w: classeviva %s: %s: %s", ErrAuthentication, path, resp.Status, strings.TrimSpace(string(msg)))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.token = ""
			return fmt.Errorf("%w: classeviva %s: %w: %s: %s", ErrAuthentication, path, errSessionRejected, resp.Status, strings.TrimSpace(string(msg)))
		}
		return fmt.Errorf("%w: classeviva %s: %s: %s", ErrGatewayRequest, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: classeviva %s: decode: %w", ErrGatewayRequest, path, err)
	}
	return nil
}

// studentID keeps the digits of an ident such as "S1234567X".
func studentID(ident string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, ident)
}
