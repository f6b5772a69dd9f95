package dataset

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/vision/preprocessing"
)

// DefaultExtensions are the image suffixes picked up from class folders.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory is named after a class. Only subdirectories naming
// a member of the class set are read; labels are class-set indices.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolderDataset scans root/<class>/*.<ext> for every class in classes.
func NewImageFolderDataset(root string, classes []string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classNames: append([]string(nil), classes...),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !slices.Contains(classes, entry.Name()) {
			monitoring.Logf("Skipping folder %s: not a known class", entry.Name())
		}
	}

	for classIdx, className := range classes {
		classPath := filepath.Join(root, className)
		files, err := os.ReadDir(classPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", classPath, err)
		}
		for _, f := range files {
			if f.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(f.Name()))) {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(classPath, f.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("%w: no images found in %s", mlerr.ErrInvalidArgument, root)
	}
	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("%w: index %d out of range [0, %d)", mlerr.ErrInvalidIndex, index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

func (d *ImageFolderDataset) Label(index int) int { return d.labels[index] }

// Image decodes the file at index.
func (d *ImageFolderDataset) Image(index int) (image.Image, error) {
	path, _, err := d.GetItem(index)
	if err != nil {
		return nil, err
	}
	return preprocessing.DecodeFile(path)
}

// Key identifies the image at index for caching.
func (d *ImageFolderDataset) Key(index int) string { return d.imagePaths[index] }

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	return fmt.Sprintf("ImageFolderDataset(root=%s, samples=%d, classes=%d)", d.root, d.Len(), d.NumClasses())
}
