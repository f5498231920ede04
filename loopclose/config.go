package loopclose

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// AttrConfig holds the pipeline tunables. Zero values take defaults from
// DefaultAttrConfig; the defaults are the thresholds the pipeline was
// validated with and rarely need changing.
type AttrConfig struct {
	// FixScale pins similarity scale to 1, for stereo or depth sensing.
	FixScale bool `json:"fix_scale"`
	// MinLoopGap is the number of keyframes that must pass after an
	// accepted loop before another is considered.
	MinLoopGap int64 `json:"min_loop_gap"`
	// MinConsistency is how many consecutive detections a candidate group
	// needs before geometric verification.
	MinConsistency int `json:"min_consistency"`
	// MinInitialMatches gates building a RANSAC solver for a candidate.
	MinInitialMatches int `json:"min_initial_matches"`
	// MinRefinedInliers gates accepting a refined transform.
	MinRefinedInliers int `json:"min_refined_inliers"`
	// MinTotalMatches gates final loop acceptance after projection search.
	MinTotalMatches int `json:"min_total_matches"`
	// GuidedRadius is the pixel radius of transform-guided re-matching.
	GuidedRadius float64 `json:"guided_radius"`
	// ProjectionRadius is the pixel radius of the final projection search.
	ProjectionRadius float64 `json:"projection_radius"`
	// FuseRadius is the pixel radius of duplicate-landmark fusion.
	FuseRadius float64 `json:"fuse_radius"`
	// RefineMaxError is the per-correspondence error bound in refinement.
	RefineMaxError float64 `json:"refine_max_error"`
	// BAIterations is the global bundle adjustment iteration count.
	BAIterations int `json:"ba_iterations"`
}

// DefaultAttrConfig returns the validated defaults.
func DefaultAttrConfig() *AttrConfig {
	return &AttrConfig{
		MinLoopGap:        10,
		MinConsistency:    3,
		MinInitialMatches: 20,
		MinRefinedInliers: 20,
		MinTotalMatches:   40,
		GuidedRadius:      7.5,
		ProjectionRadius:  10,
		FuseRadius:        4,
		RefineMaxError:    10,
		BAIterations:      10,
	}
}

// AttrConfigFromAttributeMap decodes a raw attribute map over the defaults.
func AttrConfigFromAttributeMap(attributes map[string]interface{}) (*AttrConfig, error) {
	conf := DefaultAttrConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: conf})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "failed to decode loop closing attributes")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the config for usable values.
func (c *AttrConfig) Validate() error {
	if c.MinLoopGap <= 0 {
		return errors.New("min_loop_gap must be positive")
	}
	if c.MinConsistency <= 0 {
		return errors.New("min_consistency must be positive")
	}
	if c.MinInitialMatches <= 0 || c.MinRefinedInliers <= 0 || c.MinTotalMatches <= 0 {
		return errors.New("match thresholds must be positive")
	}
	if c.GuidedRadius <= 0 || c.ProjectionRadius <= 0 || c.FuseRadius <= 0 {
		return errors.New("search radii must be positive")
	}
	if c.RefineMaxError <= 0 {
		return errors.New("refine_max_error must be positive")
	}
	if c.BAIterations <= 0 {
		return errors.New("ba_iterations must be positive")
	}
	return nil
}
