package config

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"

	"recur/internal/job"
	logx "recur/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (never includes secrets like tokens), and
// (3) the ids of jobs that were added, removed, or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	// Dispatch (never log the auth token itself)
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.Bool("dispatch.token_set", strings.TrimSpace(newCfg.Dispatch.AuthToken) != ""),
			logx.Bool("dispatch.archive_set", strings.TrimSpace(newCfg.Dispatch.ArchiveEndpoint) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.listen", strings.TrimSpace(newCfg.API.Listen)),
		)
	}

	// Storage: nil means disabled.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.schedule", strings.TrimSpace(newCfg.Housekeeping.Schedule)),
			logx.String("housekeeping.retain_runs", strings.TrimSpace(newCfg.Housekeeping.RetainRuns)),
		)
	}

	changedJobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(changedJobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(changedJobs)),
			logx.Int("jobs.total_count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, changedJobs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// diffJobs compares job lists by id, using a canonical JSON hash per job so
// key order and whitespace don't matter.
func diffJobs(oldJobs, newJobs []job.Spec) []string {
	oldM := make(map[string]uint64, len(oldJobs))
	for _, sp := range oldJobs {
		oldM[sp.ID] = hashSpec(sp)
	}
	newM := make(map[string]uint64, len(newJobs))
	for _, sp := range newJobs {
		newM[sp.ID] = hashSpec(sp)
	}

	set := map[string]struct{}{}
	for id := range oldM {
		set[id] = struct{}{}
	}
	for id := range newM {
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		oh, inOld := oldM[id]
		nh, inNew := newM[id]
		if !inOld || !inNew || oh != nh {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func hashSpec(sp job.Spec) uint64 {
	// Canonicalize the raw payload so formatting differences don't register
	// as a changed job.
	if len(sp.Payload) > 0 {
		var v any
		if err := json.Unmarshal(sp.Payload, &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				sp.Payload = b
			}
		}
	}
	b, err := json.Marshal(sp)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
