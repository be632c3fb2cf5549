package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"relay-crm/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

// WriteFiring records one rule firing as a time-series point. Callers treat
// failures as best-effort telemetry, never as a job failure.
func (c *Client) WriteFiring(ctx context.Context, orgID string, ruleID string, actionType string, success bool, duration time.Duration, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	outcome := "ok"
	if !success {
		outcome = "failed"
	}
	p := influxdb2.NewPoint(
		"rule_firings",
		map[string]string{
			"org_id":  orgID,
			"rule_id": ruleID,
			"action":  actionType,
			"outcome": outcome,
		},
		map[string]any{
			"duration_ms": duration.Milliseconds(),
			"count":       1,
		},
		ts,
	)
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, p)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
