package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

// DefaultTimeout applies to subscriptions without a positive timeout.
const DefaultTimeout = 10 * time.Second

// Subscription is an external endpoint that receives raddec notifications.
type Subscription struct {
	Name    string
	URL     string
	Secret  string
	Timeout int // seconds
	Enabled bool
}

func (s Subscription) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(s.Timeout) * time.Second
}

// Source lists the subscriptions that should currently receive deliveries.
type Source interface {
	Enabled(ctx context.Context) ([]Subscription, error)
}

// StaticSource serves subscriptions loaded once from a YAML file:
//
//	webhooks:
//	  - name: erp
//	    url: https://erp.example.com/hooks/rfid
//	    secret: s3cret
//	    timeout: 5
//	    enabled: true   # default
type StaticSource struct {
	subs []Subscription
}

type staticFile struct {
	Webhooks []struct {
		Name    string `yaml:"name"`
		URL     string `yaml:"url"`
		Secret  string `yaml:"secret"`
		Timeout int    `yaml:"timeout"`
		Enabled *bool  `yaml:"enabled"`
	} `yaml:"webhooks"`
}

func NewStaticSource(subs ...Subscription) *StaticSource {
	return &StaticSource{subs: subs}
}

func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhooks file: %w", err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse webhooks file %s: %w", path, err)
	}
	src := &StaticSource{}
	for _, w := range f.Webhooks {
		enabled := w.Enabled == nil || *w.Enabled
		src.subs = append(src.subs, Subscription{
			Name:    w.Name,
			URL:     w.URL,
			Secret:  w.Secret,
			Timeout: w.Timeout,
			Enabled: enabled,
		})
	}
	return src, nil
}

func (s *StaticSource) Enabled(context.Context) ([]Subscription, error) {
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Enabled {
			out = append(out, sub)
		}
	}
	return out, nil
}

const enabledWebhooksQuery = `SELECT name, webhook_url, secret, timeout FROM rfid_webhooks WHERE enabled = true ORDER BY name`

// PostgresSource reads enabled subscriptions from the rfid_webhooks table on every call.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) Enabled(ctx context.Context) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, enabledWebhooksQuery)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub     Subscription
			url     sql.NullString
			secret  sql.NullString
			timeout sql.NullInt64
		)
		if err := rows.Scan(&sub.Name, &url, &secret, &timeout); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		sub.URL = url.String
		sub.Secret = secret.String
		sub.Timeout = int(timeout.Int64)
		sub.Enabled = true
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}
