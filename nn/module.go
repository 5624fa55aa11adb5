package nn

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	ZeroGrad()
}

type StatefulModule interface {
	Module
	StateDict(prefix string, state map[string]*tensor.Tensor)
	LoadState(prefix string, state map[string]*tensor.Tensor) error
}

// Switchable is implemented by modules whose forward pass differs between
// training and inference.
type Switchable interface {
	Train()
	Eval()
}

func ZeroGradAll(mods ...Module) {
	for _, m := range mods {
		if m == nil {
			continue
		}
		m.ZeroGrad()
	}
}

// SetTraining switches every module that implements Switchable.
func SetTraining(training bool, mods ...Module) {
	for _, m := range mods {
		s, ok := m.(Switchable)
		if !ok {
			continue
		}
		if training {
			s.Train()
		} else {
			s.Eval()
		}
	}
}

// StateOf collects the full state of mod into a fresh map.
func StateOf(mod Module) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	if sm, ok := mod.(StatefulModule); ok {
		sm.StateDict("", state)
	} else {
		captureParameters("", mod, state)
	}
	return state
}

func SaveModule(path string, mod Module) error {
	if mod == nil {
		return errors.New("SaveModule requires non-nil module")
	}
	state := StateOf(mod)
	if len(state) == 0 {
		return errors.New("module has no state to save")
	}
	return tensor.SaveTensors(path, state)
}

func LoadModule(path string, mod Module) error {
	if mod == nil {
		return errors.New("LoadModule requires non-nil module")
	}
	state, err := tensor.LoadTensors(path)
	if err != nil {
		return err
	}
	if sm, ok := mod.(StatefulModule); ok {
		return sm.LoadState("", state)
	}
	return loadParameters("", mod, state)
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

var errNilState = errors.New("state dict is nil")

// paramKey keys a named tensor by its name alone, ignoring the structural
// prefix, so checkpoints keep the flat names pretrained weights use.
func paramKey(prefix string, t *tensor.Tensor, fallback string) string {
	if name := t.Name(); name != "" {
		return name
	}
	return joinPrefix(prefix, fallback)
}

func storeParam(prefix string, t *tensor.Tensor, fallback string, state map[string]*tensor.Tensor) {
	if t == nil {
		return
	}
	state[paramKey(prefix, t, fallback)] = t.Clone()
}

func restoreParam(kind, prefix string, t *tensor.Tensor, fallback string, state map[string]*tensor.Tensor) error {
	if t == nil {
		return nil
	}
	key := paramKey(prefix, t, fallback)
	src, ok := state[key]
	if !ok {
		return fmt.Errorf("%s missing %s", kind, key)
	}
	if err := tensor.CopyInto(t, src); err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return nil
}

func captureParameters(prefix string, mod Module, state map[string]*tensor.Tensor) {
	params := mod.Parameters()
	for idx, p := range params {
		storeParam(prefix, p, fmt.Sprintf("param_%d", idx), state)
	}
}

func loadParameters(prefix string, mod Module, state map[string]*tensor.Tensor) error {
	params := mod.Parameters()
	for idx, p := range params {
		if err := restoreParam("module", prefix, p, fmt.Sprintf("param_%d", idx), state); err != nil {
			return err
		}
	}
	return nil
}

// named gives t a checkpoint name when one is configured.
func named(t *tensor.Tensor, name string) *tensor.Tensor {
	if t != nil && name != "" {
		t.SetName(name)
	}
	return t
}
