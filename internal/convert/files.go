package convert

import (
	"fmt"
	"os"

	"emconv/internal/emdata"
	"emconv/internal/metadata"
)

func expectKind(got, want emdata.Kind) error {
	if got != want {
		return fmt.Errorf("%w: %s set where %s expected", emdata.ErrKindMismatch, got, want)
	}
	return nil
}

// writeSet exports src to a metadata file at path, replacing it.
func (c *Converter) writeSet(src emdata.Source, kind emdata.Kind, path string, opts Options) (rep Report, err error) {
	if err := expectKind(src.Kind(), kind); err != nil {
		return Report{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return c.WriteRows(src, metadata.NewWriter(f), opts)
}

func (c *Converter) WriteSetOfParticles(src emdata.Source, path string, opts Options) (Report, error) {
	return c.writeSet(src, emdata.KindParticle, path, opts)
}

func (c *Converter) WriteSetOfMicrographs(src emdata.Source, path string, opts Options) (Report, error) {
	return c.writeSet(src, emdata.KindMicrograph, path, opts)
}

// WriteSetOfVolumes writes volumes; with DimsAuto their transforms are 3D.
func (c *Converter) WriteSetOfVolumes(src emdata.Source, path string, opts Options) (Report, error) {
	return c.writeSet(src, emdata.KindVolume, path, opts)
}

// WriteSetOfCoordinates writes box centers. Transforms do not apply.
func (c *Converter) WriteSetOfCoordinates(src emdata.Source, path string, opts Options) (Report, error) {
	opts.Purpose = PurposePlain
	return c.writeSet(src, emdata.KindCoordinate, path, opts)
}

// WriteSetOfDefocusGroups writes one ctfGroup row per group.
func (c *Converter) WriteSetOfDefocusGroups(src emdata.Source, path string, opts Options) (Report, error) {
	opts.Purpose = PurposePlain
	return c.writeSet(src, emdata.KindDefocusGroup, path, opts)
}

func (c *Converter) readSet(path string, dst emdata.Sink, kind emdata.Kind, opts Options) (Report, error) {
	if err := expectKind(dst.Kind(), kind); err != nil {
		return Report{}, err
	}
	return c.RowsToSet(metadata.ReadFile(path), dst, opts)
}

func (c *Converter) ReadSetOfParticles(path string, dst emdata.Sink, opts Options) (Report, error) {
	return c.readSet(path, dst, emdata.KindParticle, opts)
}

func (c *Converter) ReadSetOfMicrographs(path string, dst emdata.Sink, opts Options) (Report, error) {
	return c.readSet(path, dst, emdata.KindMicrograph, opts)
}

func (c *Converter) ReadSetOfVolumes(path string, dst emdata.Sink, opts Options) (Report, error) {
	return c.readSet(path, dst, emdata.KindVolume, opts)
}
