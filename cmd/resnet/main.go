package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"github.com/fumitoshi0524/ixeoriDet/backbone"
	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/optim"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	configPath := flag.String("config", os.Getenv("RESNET_CONFIG"), "YAML config, top level or under a ResNet section")
	depth := flag.Int("depth", 50, "network depth: 18, 34, 50, 101, 152 or 200")
	variant := flag.String("variant", "b", "variant: a, b, c or d")
	norm := flag.String("norm", "affine_channel", "norm type: bn, sync_bn or affine_channel")
	freezeAt := flag.Int("freeze-at", 2, "stage whose output is cut from the graph")
	featureList := flag.String("features", "2,3,4,5", "comma separated stages to return")
	dcnList := flag.String("dcn", "", "comma separated stages using deformable conv")
	prefix := flag.String("prefix", "", "weight prefix name")
	names := flag.Bool("names", false, "print every checkpoint key")
	input := flag.String("input", "", "run a forward pass on a random HxW image")
	step := flag.Bool("step", false, "with -input, take one SGD step on the mean feature")
	save := flag.String("save", "", "write the initialized checkpoint to this path")
	load := flag.String("load", "", "restore a checkpoint before running")
	seed := flag.Int64("seed", 0, "initialization seed; 0 keeps the clock seed")
	threads := flag.Int("threads", 0, "worker goroutines for kernels; 0 uses GOMAXPROCS")
	flag.Parse()

	cfg := backbone.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = backbone.LoadConfig(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "depth":
			cfg.Depth = *depth
		case "variant":
			cfg.Variant = *variant
		case "norm":
			cfg.NormType = backbone.NormType(*norm)
		case "freeze-at":
			cfg.FreezeAt = *freezeAt
		case "features":
			stages, err := parseStages(*featureList)
			cfg.FeatureMaps = stages
			flagErr = errors.Join(flagErr, err)
		case "dcn":
			stages, err := parseStages(*dcnList)
			cfg.DCNv2Stages = stages
			flagErr = errors.Join(flagErr, err)
		case "prefix":
			cfg.WeightPrefixName = *prefix
		}
	})
	if flagErr != nil {
		log.Fatalf("parse flags: %v", flagErr)
	}

	parallel.SetMaxWorkers(*threads)
	if *seed != 0 {
		tensor.Seed(*seed)
	}

	layout, err := backbone.Plan(cfg)
	if err != nil {
		log.Fatalf("plan: %v", err)
	}
	printLayout(cfg, layout)
	if *names {
		for _, name := range layout.StateNames() {
			fmt.Println(name)
		}
	}
	if *input == "" && *save == "" && *load == "" {
		return
	}

	net, err := backbone.New(cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	log.Printf("built %d parameter tensors", len(net.Parameters()))
	if *load != "" {
		if err := nn.LoadModule(*load, net); err != nil {
			log.Fatalf("load checkpoint: %v", err)
		}
		log.Printf("restored %s", *load)
	}
	if *input != "" {
		h, w, err := parseSize(*input)
		if err != nil {
			log.Fatalf("parse input: %v", err)
		}
		if err := run(net, cfg.InChannels, h, w, *step); err != nil {
			log.Fatalf("forward: %v", err)
		}
	}
	if *save != "" {
		if err := nn.SaveModule(*save, net); err != nil {
			log.Fatalf("save checkpoint: %v", err)
		}
		log.Printf("saved %s", *save)
	}
}

func printLayout(cfg backbone.Config, layout *backbone.Layout) {
	fmt.Printf("ResNet-%d%s norm=%s freeze_at=%d\n", cfg.Depth, cfg.Variant, cfg.NormType, cfg.FreezeAt)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"stage", "blocks", "channels", "first shortcut", "dcn", "output"})
	for _, st := range layout.Stages {
		first := st.Blocks[0]
		deformable := false
		for _, b := range st.Blocks {
			for _, c := range b.Branch {
				deformable = deformable || c.Deformable
			}
		}
		table.Append([]string{
			strconv.Itoa(st.Index),
			strconv.Itoa(len(st.Blocks)),
			strconv.Itoa(st.OutChannels),
			first.Shortcut.String(),
			strconv.FormatBool(deformable),
			strconv.FormatBool(st.Output),
		})
	}
	table.Render()
	fmt.Printf("%d stem convs, %d parameters, %d checkpoint keys\n", len(layout.Stem), len(layout.ParamNames()), len(layout.StateNames()))
}

func run(net *backbone.ResNet, channels, h, w int, step bool) error {
	x := tensor.Randn(1, channels, h, w)
	var opt *optim.SGD
	if step {
		opt = optim.NewSGDWithGroups(net.ParamGroups(), optim.SGDConfig{LR: 0.01, Momentum: 0.9, WeightDecay: 1e-4})
		opt.ZeroGrad()
	}
	feats, err := net.Features(x)
	if err != nil {
		return err
	}
	strides := net.Layout().Strides()
	for i, f := range feats {
		fmt.Printf("  feature %d: %v stride %d\n", i, f.Shape(), strides[i])
	}
	if opt == nil {
		return nil
	}
	loss, stepped, err := stepOnMean(opt, feats[len(feats)-1])
	if err != nil {
		return err
	}
	if !stepped {
		log.Printf("skipping sgd step: deepest feature is frozen by freeze_at")
		return nil
	}
	color.Yellow("sgd step on mean feature %.6f", loss)
	return nil
}

// stepOnMean backpropagates the mean of feat and steps opt. It reports false
// without touching opt when feat is cut from the graph.
func stepOnMean(opt *optim.SGD, feat *tensor.Tensor) (float64, bool, error) {
	loss := tensor.Mean(feat)
	if !loss.RequiresGrad() {
		return loss.Data()[0], false, nil
	}
	if err := loss.Backward(); err != nil {
		return 0, false, err
	}
	if err := opt.Step(); err != nil {
		return 0, false, err
	}
	return loss.Data()[0], true, nil
}

func parseStages(s string) (backbone.StageList, error) {
	var stages backbone.StageList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", part, err)
		}
		stages = append(stages, v)
	}
	return stages, nil
}

func parseSize(s string) (int, int, error) {
	hw := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(hw) != 2 {
		return 0, 0, fmt.Errorf("size %q is not HxW", s)
	}
	h, err := strconv.Atoi(hw[0])
	if err != nil {
		return 0, 0, fmt.Errorf("height: %w", err)
	}
	w, err := strconv.Atoi(hw[1])
	if err != nil {
		return 0, 0, fmt.Errorf("width: %w", err)
	}
	return h, w, nil
}
