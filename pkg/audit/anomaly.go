package audit

import (
	"time"
)

// AnomalyKind names the kind of suspicious activity.
type AnomalyKind string

const (
	AnomalyBurst        AnomalyKind = "burst"
	AnomalyFailureSpike AnomalyKind = "failure_spike"
)

// Anomaly is a warning-level signal for operators. Nothing is disabled
// automatically.
type Anomaly struct {
	Kind       AnomalyKind   `json:"kind"`
	PluginID   string        `json:"plugin_id"`
	Count      int           `json:"count"`
	Threshold  int           `json:"threshold"`
	Window     time.Duration `json:"window"`
	DetectedAt time.Time     `json:"detected_at"`
}

// window keeps per-plugin timestamps inside the observation window.
type window struct {
	events   []time.Time
	failures []time.Time
	flagged  map[AnomalyKind]time.Time
}

func (a *Auditor) windowFor(pluginID string) *window {
	w, ok := a.windows[pluginID]
	if !ok {
		w = &window{flagged: make(map[AnomalyKind]time.Time)}
		a.windows[pluginID] = w
	}
	return w
}

func (w *window) add(ts time.Time, success bool) {
	w.events = append(w.events, ts)
	if !success {
		w.failures = append(w.failures, ts)
	}
}

func (w *window) prune(cutoff time.Time) {
	w.events = dropBefore(w.events, cutoff)
	w.failures = dropBefore(w.failures, cutoff)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// CheckAnomalies evaluates a plugin's recent window and returns the anomalies
// flagged by this call. Each kind is flagged at most once per window.
func (a *Auditor) CheckAnomalies(pluginID string) []Anomaly {
	now := a.now()

	a.mu.Lock()
	w, ok := a.windows[pluginID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	w.prune(now.Add(-a.cfg.Window))

	var found []Anomaly
	check := func(kind AnomalyKind, count, threshold int) {
		if count <= threshold {
			return
		}
		if last, ok := w.flagged[kind]; ok && now.Sub(last) < a.cfg.Window {
			return
		}
		w.flagged[kind] = now
		found = append(found, Anomaly{
			Kind:       kind,
			PluginID:   pluginID,
			Count:      count,
			Threshold:  threshold,
			Window:     a.cfg.Window,
			DetectedAt: now,
		})
	}
	check(AnomalyBurst, len(w.events), a.cfg.BurstThreshold)
	check(AnomalyFailureSpike, len(w.failures), a.cfg.FailureThreshold)
	handlers := append([]func(Anomaly){}, a.handlers...)
	a.mu.Unlock()

	for _, an := range found {
		a.logger.Warn().
			Str("plugin", an.PluginID).
			Str("kind", string(an.Kind)).
			Int("count", an.Count).
			Int("threshold", an.Threshold).
			Dur("window", an.Window).
			Msg("Anomalous plugin activity")
		if a.metrics != nil {
			a.metrics.ObserveAnomaly(an.PluginID, string(an.Kind))
		}
		a.notify(handlers, an)
	}

	return found
}

// notify hands an anomaly to the handlers. It is dropped while every handler
// worker is busy.
func (a *Auditor) notify(handlers []func(Anomaly), an Anomaly) {
	if len(handlers) == 0 || a.dispatch == nil {
		return
	}
	err := a.dispatch.Submit(func() {
		for _, fn := range handlers {
			fn(an)
		}
	})
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("plugin", an.PluginID).
			Str("kind", string(an.Kind)).
			Msg("Anomaly handlers busy, notification dropped")
	}
}
