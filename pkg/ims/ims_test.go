package ims

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.ims"))
	if !errors.Is(err, ErrSourceOpen) {
		t.Errorf("got %v, want ErrSourceOpen", err)
	}
}

func TestOpenNonHDF5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.ims")
	if err := os.WriteFile(path, []byte("this is not an hdf5 container"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrSourceOpen) {
		t.Errorf("got %v, want ErrSourceOpen", err)
	}
}

func TestChannelDataPath(t *testing.T) {
	want := "DataSet/ResolutionLevel 0/TimePoint 0/Channel 3/Data"
	if got := channelDataPath(3); got != want {
		t.Errorf("channelDataPath(3) = %q, want %q", got, want)
	}
}
