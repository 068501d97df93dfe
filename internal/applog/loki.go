// Loki push support: a best-effort, fire-and-forget HTTP POST of a
// single log stream entry per line. Failures are swallowed; this is a
// diagnostic side channel, never a delivery guarantee.
package applog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LokiConfig is the optional YAML file enabling Loki push. Timeout is
// nanoseconds when given as a bare number.
type LokiConfig struct {
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
	Job     string            `yaml:"job"`
	Timeout time.Duration     `yaml:"timeout"`
}

// LoadLokiConfig reads and parses a LokiConfig from path. Absence of
// the file is not an error at the call site — cmd/proxyd only calls
// this when a path was explicitly configured.
func LoadLokiConfig(path string) (*LokiConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("applog: read loki config: %w", err)
	}
	var cfg LokiConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("applog: parse loki config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Job == "" {
		cfg.Job = "relaycache-proxy"
	}
	return &cfg, nil
}

type lokiPusher struct {
	cfg    *LokiConfig
	client *http.Client
}

func newLokiPusher(cfg *LokiConfig) *lokiPusher {
	return &lokiPusher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

func (p *lokiPusher) push(id, message string) {
	labels := map[string]string{"job": p.cfg.Job, "session": id}
	for k, v := range p.cfg.Labels {
		labels[k] = v
	}
	payload := lokiPushRequest{Streams: []lokiStream{{
		Stream: labels,
		Values: [][2]string{{fmt.Sprintf("%d", time.Now().UnixNano()), message}},
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		resp, err := p.client.Post(p.cfg.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		_ = resp.Body.Close()
	}()
}
