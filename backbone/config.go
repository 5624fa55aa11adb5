package backbone

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid resnet config")

// NormType selects the normalization that follows every convolution.
type NormType string

const (
	NormBN            NormType = "bn"
	NormSyncBN        NormType = "sync_bn"
	NormAffineChannel NormType = "affine_channel"
)

// Config describes a ResNet backbone. It is copied on construction and
// never mutated afterwards.
type Config struct {
	Depth            int       `yaml:"depth"`
	FreezeAt         int       `yaml:"freeze_at"`
	NormType         NormType  `yaml:"norm_type"`
	FreezeNorm       bool      `yaml:"freeze_norm"`
	NormDecay        float64   `yaml:"norm_decay"`
	Variant          string    `yaml:"variant"`
	FeatureMaps      StageList `yaml:"feature_maps"`
	DCNv2Stages      StageList `yaml:"dcn_v2_stages"`
	WeightPrefixName string    `yaml:"weight_prefix_name"`

	// InChannels is the channel count of the input; a severed head takes
	// the output of an earlier stage instead of an image.
	InChannels int `yaml:"in_channels"`
	// Groups and GroupWidth select the ResNeXt bottleneck.
	Groups     int `yaml:"groups"`
	GroupWidth int `yaml:"group_width"`
	// SEReduction enables squeeze-and-excitation in bottlenecks when > 0.
	// Basic-block depths reject it.
	SEReduction int  `yaml:"se_reduction"`
	StdSENet    bool `yaml:"std_senet"`
	// SeveredHead skips the stem and builds only the listed stages.
	SeveredHead bool `yaml:"severed_head"`
}

// DefaultConfig returns the ResNet-50 vb setup used by most detectors.
func DefaultConfig() Config {
	return Config{
		Depth:       50,
		FreezeAt:    2,
		NormType:    NormAffineChannel,
		FreezeNorm:  true,
		Variant:     "b",
		FeatureMaps: StageList{2, 3, 4, 5},
		InChannels:  3,
		Groups:      1,
	}
}

type depthSpec struct {
	blocks     [4]int
	bottleneck bool
}

var depthTable = map[int]depthSpec{
	18:  {blocks: [4]int{2, 2, 2, 2}},
	34:  {blocks: [4]int{3, 4, 6, 3}},
	50:  {blocks: [4]int{3, 4, 6, 3}, bottleneck: true},
	101: {blocks: [4]int{3, 4, 23, 3}, bottleneck: true},
	152: {blocks: [4]int{3, 8, 36, 3}, bottleneck: true},
	200: {blocks: [4]int{3, 12, 48, 3}, bottleneck: true},
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	spec, ok := depthTable[c.Depth]
	if !ok {
		return invalid("depth %d not in [18, 34, 50, 101, 152, 200]", c.Depth)
	}
	switch c.Variant {
	case "a", "b", "c", "d":
	default:
		return invalid("variant %q not in [a, b, c, d]", c.Variant)
	}
	if c.FreezeAt < 0 || c.FreezeAt > 4 {
		return invalid("freeze_at should be 0, 1, 2, 3 or 4, got %d", c.FreezeAt)
	}
	switch c.NormType {
	case NormBN, NormSyncBN, NormAffineChannel:
	default:
		return invalid("norm_type %q not in [bn, sync_bn, affine_channel]", c.NormType)
	}
	if c.NormDecay < 0 {
		return invalid("norm_decay must be non-negative, got %g", c.NormDecay)
	}
	if len(c.FeatureMaps) == 0 {
		return invalid("need one or more feature maps")
	}
	if err := c.FeatureMaps.validate("feature_maps"); err != nil {
		return err
	}
	if c.SeveredHead {
		for i := 1; i < len(c.FeatureMaps); i++ {
			if c.FeatureMaps[i] < c.FeatureMaps[i-1] {
				return invalid("feature_maps %v must be increasing with a severed head", []int(c.FeatureMaps))
			}
		}
	}
	if err := c.DCNv2Stages.validate("dcn_v2_stages"); err != nil {
		return err
	}
	if len(c.DCNv2Stages) > 0 && !spec.bottleneck {
		return invalid("dcn_v2_stages require a bottleneck depth, got depth %d", c.Depth)
	}
	if c.InChannels < 1 {
		return invalid("in_channels must be positive, got %d", c.InChannels)
	}
	if c.Groups < 1 {
		return invalid("groups must be positive, got %d", c.Groups)
	}
	if c.Groups > 1 {
		if !spec.bottleneck {
			return invalid("groups require a bottleneck depth, got depth %d", c.Depth)
		}
		if c.GroupWidth < 1 {
			return invalid("group_width must be positive when groups is %d", c.Groups)
		}
	}
	if c.SEReduction < 0 {
		return invalid("se_reduction must be non-negative, got %d", c.SEReduction)
	}
	if c.SEReduction > 0 && !spec.bottleneck {
		return invalid("se_reduction requires a bottleneck depth, got depth %d", c.Depth)
	}
	return nil
}

// StageList is a set of stage indices. YAML accepts a single integer or a
// sequence.
type StageList []int

func (s StageList) validate(field string) error {
	seen := make(map[int]bool, len(s))
	for _, stage := range s {
		if stage < 2 || stage > 5 {
			return invalid("%s entry %d not in [2, 5]", field, stage)
		}
		if seen[stage] {
			return invalid("%s lists stage %d twice", field, stage)
		}
		seen[stage] = true
	}
	return nil
}

// Contains reports whether stage is listed.
func (s StageList) Contains(stage int) bool {
	for _, v := range s {
		if v == stage {
			return true
		}
	}
	return false
}

// Max returns the largest listed stage, or 0 for an empty list.
func (s StageList) Max() int {
	m := 0
	for _, v := range s {
		if v > m {
			m = v
		}
	}
	return m
}

func (c Config) clone() Config {
	c.FeatureMaps = append(StageList(nil), c.FeatureMaps...)
	c.DCNv2Stages = append(StageList(nil), c.DCNv2Stages...)
	return c
}
