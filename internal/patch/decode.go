package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// The wire types use pointers so the validator can tell a missing key from a
// zero value.

type wireManifestEntry struct {
	Name  *string  `json:"name" validate:"required"`
	Mode  *uint32  `json:"mode" validate:"required"`
	Cksum *uint32  `json:"cksum" validate:"required"`
	Size  *uint64  `json:"size" validate:"required"`
	Time  *float64 `json:"time" validate:"required"`
}

type wireEntry struct {
	wireManifestEntry
	Type *string `json:"type" validate:"required"`
	Data []byte  `json:"data"`
}

type wirePackage struct {
	Manifest []wireManifestEntry `json:"manifest" validate:"dive"`
	Add      []wireEntry         `json:"add" validate:"dive"`
	Update   []wireEntry         `json:"update" validate:"dive"`
	Delete   []wireEntry         `json:"delete" validate:"dive"`
}

type wireSigned struct {
	Contents  []byte `json:"contents" validate:"required,min=1"`
	Signature []byte `json:"signature" validate:"required,min=1"`
	PublicKey []byte `json:"public_key" validate:"required,min=1"`
}

// DecodeSigned reads a SignedPackage from r. The contents are not parsed or
// trusted; pass the result to Verifier.Open.
func DecodeSigned(r io.Reader) (*SignedPackage, error) {
	var w wireSigned
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode signed package: %v", ErrInvalidPackage, err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	return &SignedPackage{
		Contents:  w.Contents,
		Signature: w.Signature,
		PublicKey: w.PublicKey,
	}, nil
}

// DecodePackage parses and validates serialized UpdatePackage contents.
func DecodePackage(data []byte) (*UpdatePackage, error) {
	var w wirePackage
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode contents: %v", ErrInvalidPackage, err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}

	pkg := &UpdatePackage{
		Manifest: make([]ManifestEntry, 0, len(w.Manifest)),
		Add:      convertEntries(w.Add),
		Update:   convertEntries(w.Update),
		Delete:   convertEntries(w.Delete),
	}
	for _, m := range w.Manifest {
		pkg.Manifest = append(pkg.Manifest, m.entry())
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// Encode serializes a package into the byte form that gets signed.
func Encode(pkg *UpdatePackage) ([]byte, error) {
	data, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("marshal update package: %w", err)
	}
	return data, nil
}

func (w wireManifestEntry) entry() ManifestEntry {
	return ManifestEntry{
		Name:  *w.Name,
		Mode:  *w.Mode,
		Cksum: *w.Cksum,
		Size:  *w.Size,
		Time:  *w.Time,
	}
}

func convertEntries(in []wireEntry) []Entry {
	out := make([]Entry, 0, len(in))
	for _, w := range in {
		out = append(out, Entry{
			ManifestEntry: w.entry(),
			Type:          FileType(*w.Type),
			Data:          w.Data,
		})
	}
	return out
}
