package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages runtime feature toggles for the dispatch engine.
// Every channel and optional subsystem sits behind a flag so operators
// can disable a misbehaving provider without a deploy, and new channels
// can roll out gradually across the student base.
type FeatureFlags struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent (0-100) gates the feature per student: a student is
	// included when the hash of their ID falls under the percentage.
	// 100 means everyone.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// === Dispatch channels ===
	FeatureDispatchVoice      = "dispatch.voice"      // automated voice calls
	FeatureDispatchWhatsApp   = "dispatch.whatsapp"   // WhatsApp messages
	FeatureDispatchEscalation = "dispatch.escalation" // counselor escalations

	// === Optional subsystems ===
	FeatureContentGenerator = "dispatch.content_generator" // remote text generation
	FeatureStudentCache     = "cache.students"             // Redis read-through cache
	FeatureCounselorDigest  = "jobs.counselor_digest"      // daily queue summary
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features: make(map[string]*Feature),
	}

	ff.initializeDefaults()
	ff.loadFromEnvironment()

	return ff
}

// initializeDefaults sets up all features with default values.
func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureDispatchVoice] = &Feature{
		Name:           FeatureDispatchVoice,
		Description:    "Dispatch interventions via automated voice calls",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureDispatchWhatsApp] = &Feature{
		Name:           FeatureDispatchWhatsApp,
		Description:    "Dispatch interventions via WhatsApp",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureDispatchEscalation] = &Feature{
		Name:           FeatureDispatchEscalation,
		Description:    "Raise counselor escalations for exhausted voice chains",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureContentGenerator] = &Feature{
		Name:           FeatureContentGenerator,
		Description:    "Generate intervention texts remotely instead of static templates",
		Enabled:        false,
		RolloutPercent: 100,
	}

	ff.features[FeatureStudentCache] = &Feature{
		Name:           FeatureStudentCache,
		Description:    "Serve student lookups through the Redis cache",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureCounselorDigest] = &Feature{
		Name:           FeatureCounselorDigest,
		Description:    "Daily counselor queue digest job",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment applies env overrides:
//
//	FEATURE_DISPATCH_VOICE=false
//	FEATURE_DISPATCH_WHATSAPP_ROLLOUT=25
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		key := envKeyForFeature(name)

		if val := os.Getenv(key); val != "" {
			if enabled, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = enabled
			}
		}

		if val := os.Getenv(key + "_ROLLOUT"); val != "" {
			if pct, err := strconv.Atoi(val); err == nil && pct >= 0 && pct <= 100 {
				feature.RolloutPercent = pct
			}
		}
	}
}

// envKeyForFeature converts "dispatch.voice" to "FEATURE_DISPATCH_VOICE".
func envKeyForFeature(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled returns true if the feature is globally enabled.
func (ff *FeatureFlags) IsEnabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	feature, exists := ff.features[name]
	return exists && feature.Enabled
}

// IsEnabledForStudent returns true if the feature is enabled for the
// given student, honoring the rollout percentage. Rollout assignment is
// stable: the same student always lands on the same side.
func (ff *FeatureFlags) IsEnabledForStudent(name, studentID string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	feature, exists := ff.features[name]
	if !exists || !feature.Enabled {
		return false
	}
	if feature.RolloutPercent >= 100 {
		return true
	}
	if feature.RolloutPercent <= 0 {
		return false
	}

	return bucketFor(name, studentID) < feature.RolloutPercent
}

// SetEnabled flips a feature at runtime.
func (ff *FeatureFlags) SetEnabled(name string, enabled bool) bool {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, exists := ff.features[name]
	if !exists {
		return false
	}
	feature.Enabled = enabled
	return true
}

// List returns a snapshot of all features.
func (ff *FeatureFlags) List() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	return out
}

// bucketFor maps (feature, student) to a stable bucket in [0, 100).
// The feature name is part of the hash so different features roll out
// to different student subsets.
func bucketFor(featureName, studentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(featureName))
	_, _ = h.Write([]byte(studentID))
	return int(h.Sum32() % 100)
}
