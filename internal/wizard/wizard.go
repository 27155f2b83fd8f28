// Package wizard suggests protocol form values from the data a protocol
// consumes. Which wizard fills which parameter is fixed by an explicit target
// table built when the registry is created.
package wizard

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"emconv/internal/emdata"
)

var (
	// ErrNoInput means the form lacks the input a wizard reads from.
	ErrNoInput = errors.New("wizard input not available")
	// ErrNoWizard means no wizard targets the protocol parameter.
	ErrNoWizard = errors.New("no wizard for parameter")
)

// Unit of a suggested value.
type Unit string

const (
	UnitPixel    Unit = "px"
	UnitAngstrom Unit = "A"
)

// Input describes an image set a protocol reads.
type Input struct {
	BoxSize      int
	SamplingRate float64
}

// InputFromSet takes the box size and sampling rate of a set.
func InputFromSet(info emdata.SetInfo) Input {
	return Input{BoxSize: info.BoxSize, SamplingRate: info.SamplingRate}
}

// Form is the editable state of one protocol form.
type Form struct {
	Protocol string
	Values   map[string]float64
	// Inputs are keyed by role: "particles", "references", "volume".
	Inputs map[string]Input
}

// NewForm returns an empty form for protocol.
func NewForm(protocol string) *Form {
	return &Form{Protocol: protocol, Values: make(map[string]float64), Inputs: make(map[string]Input)}
}

func (f *Form) input(role string) (Input, error) {
	in, ok := f.Inputs[role]
	if !ok || in.BoxSize <= 0 {
		return Input{}, fmt.Errorf("%w: %s", ErrNoInput, role)
	}
	return in, nil
}

// Wizard computes the value of one parameter.
type Wizard interface {
	Name() string
	Unit() Unit
	// Suggest returns the value to store under param. A value already on the
	// form is kept when it is within the wizard's range.
	Suggest(f *Form, param string) (float64, error)
}

// MaskRadius suggests a circular mask radius in pixels, at most half the box.
type MaskRadius struct {
	Input string
}

func (MaskRadius) Name() string { return "mask-radius" }
func (MaskRadius) Unit() Unit   { return UnitPixel }

func (w MaskRadius) Suggest(f *Form, param string) (float64, error) {
	in, err := f.input(w.Input)
	if err != nil {
		return 0, err
	}
	limit := float64(in.BoxSize) / 2
	if v, ok := f.Values[param]; ok && v > 0 && v <= limit {
		return v, nil
	}
	return limit, nil
}

// MaskDiameter works on the radius in Angstroms but the form stores a
// diameter, so values are halved on read and doubled on write.
type MaskDiameter struct {
	Input string
}

func (MaskDiameter) Name() string { return "mask-diameter" }
func (MaskDiameter) Unit() Unit   { return UnitAngstrom }

func (w MaskDiameter) Suggest(f *Form, param string) (float64, error) {
	in, err := f.input(w.Input)
	if err != nil {
		return 0, err
	}
	if in.SamplingRate <= 0 {
		return 0, fmt.Errorf("%w: %s has no sampling rate", ErrNoInput, w.Input)
	}
	limit := float64(in.BoxSize) / 2 * in.SamplingRate
	radius := limit
	if v, ok := f.Values[param]; ok && v > 0 && v/2 <= limit {
		radius = v / 2
	}
	return radius * 2, nil
}

// DefaultDigitalFreq is the low-pass cutoff used when the form has no value,
// as a fraction of the sampling frequency.
const DefaultDigitalFreq = 0.25

// LowPassFilter suggests a low-pass resolution in Angstroms, Ts/digitalFreq.
// Values finer than Nyquist (2·Ts) are replaced.
type LowPassFilter struct {
	Input       string
	DigitalFreq float64
}

func (LowPassFilter) Name() string { return "low-pass-filter" }
func (LowPassFilter) Unit() Unit   { return UnitAngstrom }

func (w LowPassFilter) Suggest(f *Form, param string) (float64, error) {
	in, ok := f.Inputs[w.Input]
	if !ok || in.SamplingRate <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoInput, w.Input)
	}
	if v, ok := f.Values[param]; ok && v >= 2*in.SamplingRate {
		return v, nil
	}
	freq := w.DigitalFreq
	if freq <= 0 || freq > 0.5 {
		freq = DefaultDigitalFreq
	}
	return in.SamplingRate / freq, nil
}

// Target binds a wizard to parameters of one protocol.
type Target struct {
	Protocol string
	Params   []string
	Wizard   Wizard
}

// Targets is the built-in table.
var Targets = []Target{
	{"relion.preprocess_particles", []string{"backRadius"}, MaskRadius{Input: "particles"}},
	{"relion.classify2d", []string{"maskDiameterA"}, MaskDiameter{Input: "particles"}},
	{"relion.refine3d", []string{"maskDiameterA"}, MaskDiameter{Input: "particles"}},
	{"relion.classify3d", []string{"maskDiameterA"}, MaskDiameter{Input: "particles"}},
	{"relion.classify3d", []string{"initialLowPassFilterA"}, LowPassFilter{Input: "volume"}},
	{"relion.refine3d", []string{"initialLowPassFilterA"}, LowPassFilter{Input: "volume"}},
	{"relion.autopick_fom", []string{"particleDiameter"}, MaskDiameter{Input: "references"}},
}

type key struct {
	protocol string
	param    string
}

// Registry resolves (protocol, parameter) to a wizard.
type Registry struct {
	wizards map[key]Wizard
	params  map[string][]string
}

// NewRegistry builds a registry from targets. A parameter targeted twice is
// an error.
func NewRegistry(targets []Target) (*Registry, error) {
	r := &Registry{wizards: make(map[key]Wizard), params: make(map[string][]string)}
	for _, t := range targets {
		for _, p := range t.Params {
			k := key{t.Protocol, p}
			if _, dup := r.wizards[k]; dup {
				return nil, fmt.Errorf("parameter %s.%s targeted twice", t.Protocol, p)
			}
			r.wizards[k] = t.Wizard
			r.params[t.Protocol] = append(r.params[t.Protocol], p)
		}
	}
	for _, ps := range r.params {
		slices.Sort(ps)
	}
	return r, nil
}

// Default builds the registry for Targets.
func Default() *Registry {
	r, err := NewRegistry(Targets)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(protocol, param string) (Wizard, bool) {
	w, ok := r.wizards[key{protocol, param}]
	return w, ok
}

// Params lists the parameters protocol has wizards for.
func (r *Registry) Params(protocol string) []string {
	return slices.Clone(r.params[protocol])
}

// Protocols lists every protocol in the table.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.params))
	for p := range r.params {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Run applies the wizard for one parameter and stores the result on f.
func (r *Registry) Run(f *Form, param string) (float64, error) {
	w, ok := r.Lookup(f.Protocol, param)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrNoWizard, f.Protocol, param)
	}
	v, err := w.Suggest(f, param)
	if err != nil {
		return 0, fmt.Errorf("%s.%s: %w", f.Protocol, param, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s.%s: wizard %s produced %v", f.Protocol, param, w.Name(), v)
	}
	f.Values[param] = v
	return v, nil
}

// Apply runs every wizard targeting f's protocol. Parameters whose input is
// missing are left untouched and reported together.
func (r *Registry) Apply(f *Form) (map[string]float64, error) {
	applied := make(map[string]float64)
	var errs []error
	for _, p := range r.params[f.Protocol] {
		v, err := r.Run(f, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applied[p] = v
	}
	return applied, errors.Join(errs...)
}
