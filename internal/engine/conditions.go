package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
)

// compareFunc applies an operator to a resolved value. found is false when the source had no value.
type compareFunc func(actual string, found bool, expected string) (bool, error)

var operators = map[domain.Operator]compareFunc{
	domain.OpEquals: func(actual string, found bool, expected string) (bool, error) {
		return found && actual == expected, nil
	},
	domain.OpNotEquals: func(actual string, found bool, expected string) (bool, error) {
		return !found || actual != expected, nil
	},
	domain.OpGt: func(actual string, found bool, expected string) (bool, error) {
		if !found {
			return false, nil
		}
		c, err := compareValues(actual, expected)
		return c > 0, err
	},
	domain.OpLt: func(actual string, found bool, expected string) (bool, error) {
		if !found {
			return false, nil
		}
		c, err := compareValues(actual, expected)
		return c < 0, err
	},
	domain.OpContains: func(actual string, found bool, expected string) (bool, error) {
		return found && strings.Contains(actual, expected), nil
	},
	domain.OpRegex: func(actual string, found bool, expected string) (bool, error) {
		if !found {
			return false, nil
		}
		re, err := compileRegex(expected)
		if err != nil {
			return false, err
		}
		return re.MatchString(actual), nil
	},
	domain.OpExists: func(actual string, found bool, expected string) (bool, error) {
		if expected == "false" {
			return !found, nil
		}
		return found, nil
	},
}

// Compare evaluates op against a resolved value.
func Compare(op domain.Operator, actual string, found bool, expected string) (bool, error) {
	fn, ok := operators[op]
	if !ok {
		return false, validationError("condition", "unknown operator %q", op)
	}
	return fn(actual, found, expected)
}

// compareValues orders numbers numerically, RFC3339 timestamps chronologically and anything else lexically.
func compareValues(a, b string) (int, error) {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1, nil
		case fa < fb:
			return -1, nil
		}
		return 0, nil
	}
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb), nil
	}
	return strings.Compare(a, b), nil
}

var regexCache sync.Map

func compileRegex(expr string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, validationError("condition", "regex %q: %v", expr, err)
	}
	regexCache.Store(expr, re)
	return re, nil
}

// SourceResolver looks up the current value a conditional rule compares against.
type SourceResolver interface {
	Resolve(ctx context.Context, query string) (value string, found bool, err error)
}

type ResolverFunc func(ctx context.Context, query string) (string, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, query string) (string, bool, error) {
	return f(ctx, query)
}

// NewResolvers returns the built-in resolvers for every condition source.
func NewResolvers(clock core.Clock, facts FactRepo, bus eventbus.Bus, client *http.Client) map[domain.ConditionSource]SourceResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return map[domain.ConditionSource]SourceResolver{
		domain.SourceTime:    TimeResolver{Clock: clock},
		domain.SourceFile:    FileResolver{},
		domain.SourceAPI:     APIResolver{Client: client},
		domain.SourceStore:   StoreResolver{Facts: facts},
		domain.SourceWebhook: WebhookResolver{Bus: bus},
	}
}

// TimeResolver formats the current time. The query is a Go layout, "unix", "weekday" or "hour",
// optionally prefixed with a timezone as "Europe/Berlin|15:04".
type TimeResolver struct {
	Clock core.Clock
}

func (r TimeResolver) Resolve(_ context.Context, query string) (string, bool, error) {
	now := r.Clock.Now().UTC()
	if tz, layout, ok := strings.Cut(query, "|"); ok {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", false, validationError("condition", "timezone %q: %v", tz, err)
		}
		now = now.In(loc)
		query = layout
	}
	switch query {
	case "", "unix":
		return strconv.FormatInt(now.Unix(), 10), true, nil
	case "weekday":
		return now.Weekday().String(), true, nil
	case "hour":
		return strconv.Itoa(now.Hour()), true, nil
	}
	return now.Format(query), true, nil
}

const maxResolvedBytes = 1 << 20

// FileResolver returns the trimmed contents of the file at query. A missing file is not found.
type FileResolver struct{}

func (FileResolver) Resolve(_ context.Context, query string) (string, bool, error) {
	f, err := os.Open(query)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(KindTransientInfrastructure, "file condition", err)
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxResolvedBytes))
	if err != nil {
		return "", false, newError(KindTransientInfrastructure, "file condition", err)
	}
	return strings.TrimSpace(string(b)), true, nil
}

// APIResolver performs a GET on the query URL. A "#path" suffix selects a value from a JSON body.
type APIResolver struct {
	Client *http.Client
}

func (r APIResolver) Resolve(ctx context.Context, query string) (string, bool, error) {
	url, path, _ := strings.Cut(query, "#")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, validationError("condition", "api url: %v", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", false, newError(KindTransientInfrastructure, "api condition", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResolvedBytes))
	if err != nil {
		return "", false, newError(KindTransientInfrastructure, "api condition", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode >= 300 {
		return "", false, newError(KindTransientInfrastructure, "api condition", fmt.Errorf("%s returned %d", url, resp.StatusCode))
	}
	if path == "" {
		return strings.TrimSpace(string(body)), true, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false, newError(KindTransientInfrastructure, "api condition", fmt.Errorf("decode %s: %w", url, err))
	}
	return pathValue(doc, path)
}

// StoreResolver reads a scalar from the facts table.
type StoreResolver struct {
	Facts FactRepo
}

func (r StoreResolver) Resolve(_ context.Context, query string) (string, bool, error) {
	v, err := r.Facts.Get(query)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(KindTransientInfrastructure, "store condition", err)
	}
	return v, true, nil
}

// WebhookResolver reads the last event received for an event type, as "type" or "type#payload.path".
type WebhookResolver struct {
	Bus eventbus.Bus
}

func (r WebhookResolver) Resolve(_ context.Context, query string) (string, bool, error) {
	eventType, path, _ := strings.Cut(query, "#")
	ev, ok := r.Bus.Last(eventType)
	if !ok {
		return "", false, nil
	}
	if path == "" {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
	return pathValue(ev.Payload, path)
}

func pathValue(doc map[string]any, path string) (string, bool, error) {
	v, ok := lookupPath(doc, path)
	if !ok || v == nil {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		return string(b), err == nil, err
	}
	return fmt.Sprint(v), true, nil
}

// ValidateRule checks a conditional rule at schedule creation.
func ValidateRule(rule domain.ConditionalRule) error {
	switch rule.ConditionSource {
	case domain.SourceStore, domain.SourceAPI, domain.SourceTime, domain.SourceFile, domain.SourceWebhook:
	default:
		return validationError("condition", "unknown source %q", rule.ConditionSource)
	}
	if _, ok := operators[rule.Operator]; !ok {
		return validationError("condition", "unknown operator %q", rule.Operator)
	}
	if rule.Operator == domain.OpRegex {
		if _, err := compileRegex(rule.ExpectedValue); err != nil {
			return err
		}
	}
	if rule.Query == "" && rule.ConditionSource != domain.SourceTime {
		return validationError("condition", "%s rule needs a query", rule.ConditionSource)
	}
	return nil
}
