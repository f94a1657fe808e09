package testutil

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// UpstreamConfig defines the YAML schema for MockUpstream scenarios.
type UpstreamConfig struct {
	Settings  UpstreamSettings `yaml:"settings"`
	Defaults  UpstreamDefaults `yaml:"defaults"`
	Responses []ResponseRule   `yaml:"responses"`
}

// UpstreamSettings configures MockUpstream behavior.
type UpstreamSettings struct {
	LagMS        int `yaml:"lag_ms"`         // delay before the first byte
	ChunkDelayMS int `yaml:"chunk_delay_ms"` // delay between content deltas
	ChunkSize    int `yaml:"chunk_size"`     // runes per delta, 0 means one line per delta
}

// UpstreamDefaults defines fallback behavior.
type UpstreamDefaults struct {
	Fallback string `yaml:"fallback"`
}

// ResponseRule maps a request to a reply. Match is checked against the user
// prompt, SystemMatch against the system prompt.
type ResponseRule struct {
	Name        string      `yaml:"name"`
	Match       MatchConfig `yaml:"match"`
	SystemMatch MatchConfig `yaml:"system_match"`
	Response    string      `yaml:"response"`
	Status      int         `yaml:"status"`      // non-zero answers with this HTTP status
	DropAfter   int         `yaml:"drop_after"`  // close the connection after this many deltas
	Priority    int         `yaml:"priority"`
}

// MatchConfig defines how to match a prompt.
type MatchConfig struct {
	Contains    string   `yaml:"contains"`
	ContainsAll []string `yaml:"contains_all"`
	ContainsAny []string `yaml:"contains_any"`
	Exact       string   `yaml:"exact"`
	Regex       string   `yaml:"regex"`
}

// DefaultUpstreamConfig returns scenarios covering a generate-then-modify
// session.
func DefaultUpstreamConfig() *UpstreamConfig {
	return &UpstreamConfig{
		Settings: UpstreamSettings{ChunkDelayMS: 2},
		Defaults: UpstreamDefaults{
			Fallback: "I could not produce a diagram for that request.",
		},
		Responses: []ResponseRule{
			{
				Name:     "order-flow",
				Match:    MatchConfig{ContainsAll: []string{"order", "flow"}},
				Response: "Here is the order flow.\n<mxfile><diagram name=\"order\"><mxGraphModel><root>\n<mxCell id=\"0\"/>\n<mxCell id=\"1\" value=\"Receive order\"/>\n</root></mxGraphModel></diagram></mxfile>",
				Priority: 5,
			},
			{
				Name:        "add-approval",
				Match:       MatchConfig{Contains: "approval"},
				SystemMatch: MatchConfig{Contains: "Receive order"},
				Response:    "Added an approval step.\n<mxfile><diagram name=\"order\"><mxGraphModel><root>\n<mxCell id=\"0\"/>\n<mxCell id=\"1\" value=\"Receive order\"/>\n<mxCell id=\"2\" value=\"Approve order\"/>\n</root></mxGraphModel></diagram></mxfile>",
				Priority: 10,
			},
			{
				Name:     "rate-limited",
				Match:    MatchConfig{Contains: "overload"},
				Status:   429,
				Response: `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`,
				Priority: 10,
			},
			{
				Name:      "dropped",
				Match:     MatchConfig{Contains: "unstable"},
				Response:  "line one\nline two\nline three\n",
				DropAfter: 1,
				Priority:  10,
			},
		},
	}
}

// LoadUpstreamConfig loads a scenario file.
func LoadUpstreamConfig(path string) (*UpstreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config UpstreamConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// IsZero reports whether no matcher is set.
func (m *MatchConfig) IsZero() bool {
	return m.Contains == "" && len(m.ContainsAll) == 0 && len(m.ContainsAny) == 0 &&
		m.Exact == "" && m.Regex == ""
}

// Matches checks if text matches this rule.
func (m *MatchConfig) Matches(text string) bool {
	lower := strings.ToLower(text)

	if m.Exact != "" {
		return strings.EqualFold(text, m.Exact)
	}
	if m.Contains != "" {
		return strings.Contains(lower, strings.ToLower(m.Contains))
	}
	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(lower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(lower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	if m.Regex != "" {
		re, err := regexp.Compile(m.Regex)
		return err == nil && re.MatchString(text)
	}
	return false
}

// FindRule returns the highest priority rule matching the prompts.
func (c *UpstreamConfig) FindRule(system, user string) (*ResponseRule, bool) {
	var best *ResponseRule
	for i := range c.Responses {
		rule := &c.Responses[i]
		if !rule.Match.Matches(user) {
			continue
		}
		if !rule.SystemMatch.IsZero() && !rule.SystemMatch.Matches(system) {
			continue
		}
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}
	if best != nil {
		return best, true
	}
	return &ResponseRule{Name: "fallback", Response: c.Defaults.Fallback}, false
}
