package mirror

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is one endpoint's job collection plus its opaque version marker.
// Version is carried as raw JSON so whatever the endpoint uses (int, string)
// round-trips untouched.
type Document struct {
	Version json.RawMessage
	Jobs    []Job
}

type documentWire struct {
	Version json.RawMessage `json:"version,omitempty"`
	Jobs    []Job           `json:"jobs"`
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var w documentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.Version = w.Version
	d.Jobs = w.Jobs
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	version := d.Version
	if len(version) == 0 {
		version = json.RawMessage("1")
	}
	jobs := d.Jobs
	if jobs == nil {
		jobs = []Job{}
	}
	return json.Marshal(documentWire{Version: version, Jobs: jobs})
}

// Job is a remote scheduled job. Only the fields this service manages are
// decoded; everything else (sessionTarget, wakeMode, delivery, state,
// agentId, timestamps) stays in Extra as raw JSON and is written back
// byte for byte.
type Job struct {
	ID       string
	Name     string
	Enabled  bool
	Schedule Schedule
	Payload  Payload
	Extra    map[string]json.RawMessage
}

func (j *Job) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &j.ID); err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &j.Name); err != nil {
			return fmt.Errorf("job name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["enabled"]; ok {
		if err := json.Unmarshal(v, &j.Enabled); err != nil {
			return fmt.Errorf("job enabled: %w", err)
		}
		delete(raw, "enabled")
	}
	if v, ok := raw["schedule"]; ok {
		if err := json.Unmarshal(v, &j.Schedule); err != nil {
			return fmt.Errorf("job schedule: %w", err)
		}
		delete(raw, "schedule")
	}
	if v, ok := raw["payload"]; ok {
		if err := json.Unmarshal(v, &j.Payload); err != nil {
			return fmt.Errorf("job payload: %w", err)
		}
		delete(raw, "payload")
	}
	j.Extra = raw
	return nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(j.Extra)+5)
	for k, v := range j.Extra {
		out[k] = v
	}
	var err error
	if out["id"], err = json.Marshal(j.ID); err != nil {
		return nil, err
	}
	if out["name"], err = json.Marshal(j.Name); err != nil {
		return nil, err
	}
	if out["enabled"], err = json.Marshal(j.Enabled); err != nil {
		return nil, err
	}
	if out["schedule"], err = json.Marshal(j.Schedule); err != nil {
		return nil, err
	}
	if !j.Payload.empty() {
		if out["payload"], err = json.Marshal(j.Payload); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// setExtra stores a managed timestamp or similar scalar in the opaque set.
func (j *Job) setExtra(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if j.Extra == nil {
		j.Extra = map[string]json.RawMessage{}
	}
	j.Extra[key] = raw
}

// Touch stamps the remote-side update marker.
func (j *Job) Touch(now time.Time) {
	j.setExtra("updatedAtMs", now.UnixMilli())
}

// RunState decodes the remote execution state without disturbing the raw
// bytes. Missing or malformed state yields nil times.
func (j Job) RunState() (nextRun, lastRun *time.Time) {
	raw, ok := j.Extra["state"]
	if !ok {
		return nil, nil
	}
	var state struct {
		NextRunAtMs int64 `json:"nextRunAtMs"`
		LastRunAtMs int64 `json:"lastRunAtMs"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, nil
	}
	if state.NextRunAtMs > 0 {
		t := time.UnixMilli(state.NextRunAtMs).UTC()
		nextRun = &t
	}
	if state.LastRunAtMs > 0 {
		t := time.UnixMilli(state.LastRunAtMs).UTC()
		lastRun = &t
	}
	return nextRun, lastRun
}

// Schedule is the job's trigger spec. Kind "at" with extra fields (the
// one-shot instant) passes through Extra untouched.
type Schedule struct {
	Kind  string
	Expr  string
	TZ    string
	Extra map[string]json.RawMessage
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["kind"]; ok {
		if err := json.Unmarshal(v, &s.Kind); err != nil {
			return fmt.Errorf("schedule kind: %w", err)
		}
		delete(raw, "kind")
	}
	if v, ok := raw["expr"]; ok {
		if err := json.Unmarshal(v, &s.Expr); err != nil {
			return fmt.Errorf("schedule expr: %w", err)
		}
		delete(raw, "expr")
	}
	if v, ok := raw["tz"]; ok {
		if err := json.Unmarshal(v, &s.TZ); err != nil {
			return fmt.Errorf("schedule tz: %w", err)
		}
		delete(raw, "tz")
	}
	s.Extra = raw
	return nil
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	var err error
	if s.Kind != "" {
		if out["kind"], err = json.Marshal(s.Kind); err != nil {
			return nil, err
		}
	}
	if s.Expr != "" {
		if out["expr"], err = json.Marshal(s.Expr); err != nil {
			return nil, err
		}
	}
	if s.TZ != "" {
		if out["tz"], err = json.Marshal(s.TZ); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// Payload carries the message handed to the agent on fire.
type Payload struct {
	Message string
	Extra   map[string]json.RawMessage
}

func (p Payload) empty() bool {
	return p.Message == "" && len(p.Extra) == 0
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["message"]; ok {
		if err := json.Unmarshal(v, &p.Message); err != nil {
			return fmt.Errorf("payload message: %w", err)
		}
		delete(raw, "message")
	}
	p.Extra = raw
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+1)
	for k, v := range p.Extra {
		out[k] = v
	}
	var err error
	if out["message"], err = json.Marshal(p.Message); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
