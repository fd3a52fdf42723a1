package enroll

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/doorbell/internal/imaging"
)

// Photo is an uploaded enrollment image.
type Photo struct {
	Name string
	Data []byte
}

// UsablePhotos returns the photos with an image extension whose content
// decodes, each named by its base name.
func UsablePhotos(photos []Photo) []Photo {
	var out []Photo
	for _, p := range photos {
		name := filepath.Base(p.Name)
		if !IsImageFile(name) {
			continue
		}
		if _, err := imaging.Decode(p.Data); err != nil {
			continue
		}
		out = append(out, Photo{Name: name, Data: p.Data})
	}
	return out
}

// SavePhotos writes the usable photos into imagesDir/<personID>/ and returns
// how many were saved.
func SavePhotos(imagesDir, personID string, photos []Photo) (int, error) {
	if err := ValidatePersonID(personID); err != nil {
		return 0, err
	}
	usable := UsablePhotos(photos)
	if len(usable) == 0 {
		return 0, nil
	}
	dir := filepath.Join(imagesDir, personID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating person directory: %w", err)
	}

	for i, p := range usable {
		if err := os.WriteFile(filepath.Join(dir, p.Name), p.Data, 0o644); err != nil {
			return i, fmt.Errorf("saving %s: %w", p.Name, err)
		}
	}
	return len(usable), nil
}

// CopyIntoPerson copies src into imagesDir/<personID>/ under its base name.
func CopyIntoPerson(imagesDir, personID, src string) (string, error) {
	if err := ValidatePersonID(personID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", src, err)
	}
	dir := filepath.Join(imagesDir, personID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating person directory: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", dst, err)
	}
	return dst, nil
}
