package backbone

import "strconv"

// ShortcutKind says how a block's input reaches the residual add.
type ShortcutKind int

const (
	ShortcutIdentity ShortcutKind = iota
	// ShortcutProjection is a strided conv + norm.
	ShortcutProjection
	// ShortcutPoolProjection is a 2x2 average pool followed by a 1x1 conv + norm.
	ShortcutPoolProjection
)

func (k ShortcutKind) String() string {
	switch k {
	case ShortcutProjection:
		return "projection"
	case ShortcutPoolProjection:
		return "pool+projection"
	default:
		return "identity"
	}
}

// ConvSpec is one conv + norm unit. Padding is always (Kernel-1)/2.
type ConvSpec struct {
	// Name is the prefixed conv name, e.g. res2a_branch2a.
	Name string
	// NormName is the prefixed norm name, e.g. bn2a_branch2a.
	NormName    string
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Groups      int
	Relu        bool
	Deformable  bool
}

func (c ConvSpec) Padding() int {
	return (c.Kernel - 1) / 2
}

func (c ConvSpec) WeightName() string {
	return c.Name + "_weights"
}

// OffsetName is the name of the conv predicting deformable offsets.
func (c ConvSpec) OffsetName() string {
	return c.Name + "_conv_offset"
}

// SELayout is the squeeze-and-excitation applied to a residual branch.
type SELayout struct {
	// Name prefixes the fc params: <Name>_sqz_weights and so on.
	Name     string
	Channels int
	Reduced  int
}

type BlockLayout struct {
	Name        string
	Stage       int
	Stride      int
	InChannels  int
	OutChannels int
	Branch      []ConvSpec
	Shortcut    ShortcutKind
	// Projection is set unless Shortcut is ShortcutIdentity.
	Projection *ConvSpec
	SE         *SELayout
}

type StageLayout struct {
	Index       int
	Blocks      []BlockLayout
	OutChannels int
	// Output marks stages returned as feature maps.
	Output bool
}

// Layout is the resolved topology of a backbone, computed without
// allocating any weights.
type Layout struct {
	Depth      int
	Bottleneck bool
	Stem       []ConvSpec
	Stages     []StageLayout
	normType   NormType
}

// Plan validates cfg and resolves every conv, block and stage it builds.
func Plan(cfg Config) (*Layout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := planner{cfg: cfg, spec: depthTable[cfg.Depth]}
	return p.plan()
}

type planner struct {
	cfg  Config
	spec depthSpec
}

func (p planner) plan() (*Layout, error) {
	l := &Layout{
		Depth:      p.cfg.Depth,
		Bottleneck: p.spec.bottleneck,
		normType:   p.cfg.NormType,
	}
	ch := p.cfg.InChannels
	stages := append([]int(nil), p.cfg.FeatureMaps...)
	if !p.cfg.SeveredHead {
		l.Stem = p.stem()
		ch = l.Stem[len(l.Stem)-1].OutChannels
		stages = stages[:0]
		for s := 2; s <= p.cfg.FeatureMaps.Max(); s++ {
			stages = append(stages, s)
		}
	}
	for _, s := range stages {
		stage, err := p.stage(s, ch)
		if err != nil {
			return nil, err
		}
		l.Stages = append(l.Stages, stage)
		ch = stage.OutChannels
	}
	return l, nil
}

func (p planner) conv(name string, in, out, kernel, stride, groups int, relu bool) ConvSpec {
	return ConvSpec{
		Name:        p.cfg.WeightPrefixName + name,
		NormName:    p.cfg.WeightPrefixName + normName(name),
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Groups:      groups,
		Relu:        relu,
	}
}

// normName maps a conv name to the name its norm params were published under.
func normName(conv string) string {
	if conv == "conv1" {
		return "bn_" + conv
	}
	return "bn" + conv[3:]
}

func (p planner) stem() []ConvSpec {
	in := p.cfg.InChannels
	if p.cfg.Variant == "c" || p.cfg.Variant == "d" {
		return []ConvSpec{
			p.conv("conv1_1", in, 32, 3, 2, 1, true),
			p.conv("conv1_2", 32, 32, 3, 1, 1, true),
			p.conv("conv1_3", 32, 64, 3, 1, 1, true),
		}
	}
	return []ConvSpec{p.conv("conv1", in, 64, 7, 2, 1, true)}
}

func (p planner) stageFilters(stage int) int {
	base := 64
	if p.cfg.Groups > 1 {
		base = 256
	}
	return base << (stage - 2)
}

// blockName follows the pretrained naming: res4a, res4b1, res4b2 ... for
// long fourth stages and res2a, res2b ... otherwise.
func blockName(stage, index, count int) string {
	name := "res" + strconv.Itoa(stage)
	if count > 10 && stage == 4 {
		if index == 0 {
			return name + "a"
		}
		return name + "b" + strconv.Itoa(index)
	}
	return name + string(rune('a'+index))
}

func (p planner) stage(s, in int) (StageLayout, error) {
	count := p.spec.blocks[s-2]
	filters := p.stageFilters(s)
	dcn := p.cfg.DCNv2Stages.Contains(s)
	st := StageLayout{Index: s, Output: p.cfg.FeatureMaps.Contains(s)}
	isFirst := s == 2
	ch := in
	for i := 0; i < count; i++ {
		if p.cfg.Depth < 50 {
			isFirst = i == 0 && s == 2
		}
		stride := 1
		if i == 0 && s != 2 {
			stride = 2
		}
		name := blockName(s, i, count)
		var b BlockLayout
		if p.spec.bottleneck {
			var err error
			if b, err = p.bottleneck(name, ch, filters, stride, isFirst, dcn); err != nil {
				return st, err
			}
		} else {
			b = p.basic(name, ch, filters, stride, isFirst)
		}
		b.Stage = s
		st.Blocks = append(st.Blocks, b)
		ch = b.OutChannels
	}
	st.OutChannels = ch
	return st, nil
}

func (p planner) bottleneck(name string, in, filters, stride int, isFirst, dcn bool) (BlockLayout, error) {
	stride1, stride2 := 1, stride
	if p.cfg.Variant == "a" {
		stride1, stride2 = stride, 1
	}
	groups := p.cfg.Groups
	expand := 4
	if groups > 1 {
		if groups*p.cfg.GroupWidth == 256 {
			expand = 1
		} else {
			filters /= 2
			expand = 2
		}
		if filters%groups != 0 {
			return BlockLayout{}, invalid("%s width %d not divisible by groups %d", name, filters, groups)
		}
	}
	width := filters
	if p.cfg.StdSENet {
		width = filters / 2
	}
	out := filters * expand
	b2b := p.conv(name+"_branch2b", width, filters, 3, stride2, groups, true)
	b2b.Deformable = dcn
	b := BlockLayout{
		Name:        name,
		Stride:      stride,
		InChannels:  in,
		OutChannels: out,
		Branch: []ConvSpec{
			p.conv(name+"_branch2a", in, width, 1, stride1, 1, true),
			b2b,
			p.conv(name+"_branch2c", filters, out, 1, 1, 1, false),
		},
	}
	if p.cfg.SEReduction > 0 {
		reduced := out / p.cfg.SEReduction
		if reduced < 1 {
			return BlockLayout{}, invalid("se_reduction %d leaves no channels for %s", p.cfg.SEReduction, name)
		}
		b.SE = &SELayout{Name: p.cfg.WeightPrefixName + "fc" + name, Channels: out, Reduced: reduced}
	}
	p.shortcut(&b, isFirst)
	return b, nil
}

func (p planner) basic(name string, in, filters, stride int, isFirst bool) BlockLayout {
	b := BlockLayout{
		Name:        name,
		Stride:      stride,
		InChannels:  in,
		OutChannels: filters,
		Branch: []ConvSpec{
			p.conv(name+"_branch2a", in, filters, 3, stride, 1, true),
			p.conv(name+"_branch2b", filters, filters, 3, 1, 1, false),
		},
	}
	p.shortcut(&b, isFirst)
	return b
}

func (p planner) shortcut(b *BlockLayout, isFirst bool) {
	in, out, stride := b.InChannels, b.OutChannels, b.Stride
	if in == out && stride == 1 && !(p.cfg.Depth < 50 && isFirst) {
		b.Shortcut = ShortcutIdentity
		return
	}
	name := b.Name + "_branch1"
	var proj ConvSpec
	switch {
	case p.cfg.StdSENet:
		kernel := 3
		if isFirst {
			kernel = 1
		}
		proj = p.conv(name, in, out, kernel, stride, 1, false)
		b.Shortcut = ShortcutProjection
	case p.cfg.Variant == "d" && !isFirst:
		proj = p.conv(name, in, out, 1, 1, 1, false)
		b.Shortcut = ShortcutPoolProjection
	default:
		proj = p.conv(name, in, out, 1, stride, 1, false)
		b.Shortcut = ShortcutProjection
	}
	b.Projection = &proj
}

// Blocks returns every block in build order.
func (l *Layout) Blocks() []BlockLayout {
	var blocks []BlockLayout
	for _, st := range l.Stages {
		blocks = append(blocks, st.Blocks...)
	}
	return blocks
}

// BlockCounts returns the number of blocks in each built stage.
func (l *Layout) BlockCounts() []int {
	counts := make([]int, len(l.Stages))
	for i, st := range l.Stages {
		counts[i] = len(st.Blocks)
	}
	return counts
}

// OutChannels returns the channel count of each feature map, in stage order.
func (l *Layout) OutChannels() []int {
	var out []int
	for _, st := range l.Stages {
		if st.Output {
			out = append(out, st.OutChannels)
		}
	}
	return out
}

// Strides returns the downsampling factor of each feature map relative to
// the network input.
func (l *Layout) Strides() []int {
	var out []int
	stride := 1
	if len(l.Stem) > 0 {
		// stem conv and max pool
		stride = 4
	}
	for _, st := range l.Stages {
		if st.Blocks[0].Stride == 2 {
			stride *= 2
		}
		if st.Output {
			out = append(out, stride)
		}
	}
	return out
}

// Convs returns every conv + norm unit in parameter order: the stem, then
// for each block its branch convs followed by the projection.
func (l *Layout) Convs() []ConvSpec {
	convs := append([]ConvSpec(nil), l.Stem...)
	for _, b := range l.Blocks() {
		convs = append(convs, b.Branch...)
		if b.Projection != nil {
			convs = append(convs, *b.Projection)
		}
	}
	return convs
}

// ParamNames lists learnable parameter names in the order the built
// network returns them from Parameters.
func (l *Layout) ParamNames() []string {
	return l.names(false)
}

// StateNames lists every checkpoint key, which adds running statistics
// for batch norm.
func (l *Layout) StateNames() []string {
	return l.names(true)
}

func (l *Layout) names(withStats bool) []string {
	var names []string
	addConv := func(c ConvSpec) {
		names = append(names, c.WeightName())
		if c.Deformable {
			names = append(names, c.OffsetName()+".w_0", c.OffsetName()+".b_0")
		}
		names = append(names, c.NormName+"_scale", c.NormName+"_offset")
		if withStats && l.normType != NormAffineChannel {
			names = append(names, c.NormName+"_mean", c.NormName+"_variance")
		}
	}
	for _, c := range l.Stem {
		addConv(c)
	}
	for _, b := range l.Blocks() {
		for _, c := range b.Branch {
			addConv(c)
		}
		if b.SE != nil {
			names = append(names,
				b.SE.Name+"_sqz_weights", b.SE.Name+"_sqz_offset",
				b.SE.Name+"_exc_weights", b.SE.Name+"_exc_offset")
		}
		if b.Projection != nil {
			addConv(*b.Projection)
		}
	}
	return names
}
