// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
)

// writeArtifacts lays down a consistent six-file bundle: three selected
// features feeding a two-class classifier and an identity auto-encoder.
func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		FileSupervised: `{"layers":[{
			"weights":[[1,0],[0,1],[0,0]],
			"biases":[0,0],
			"activation":"softmax"}]}`,
		FileUnsupervised: `{"layers":[{
			"weights":[[1,0,0],[0,1,0],[0,0,1]],
			"biases":[0,0,0],
			"activation":"linear"}]}`,
		FileScaler:         `{"mean":[0,0,0],"scale":[1,1,1]}`,
		FileLabelEncoder:   `{"classes":["BENIGN","DDoS"]}`,
		FileSelector:       `{"indices":[0,1,5]}`,
		FileThresholdStats: `{"mean":0.01,"std":0.005,"threshold":0.025}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestMissingArtifacts(t *testing.T) {
	l := NewLoader(t.TempDir(), nil)

	missing := l.MissingArtifacts()
	assert.Len(t, missing, 6)

	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.False(t, l.Ready())

	status := l.Status()
	assert.False(t, status.Ready)
	assert.Len(t, status.Missing, 6)
	for name, art := range status.Artifacts {
		assert.False(t, art.Exists, "artifact %s should not exist", name)
		assert.False(t, art.Loaded, "artifact %s should not be loaded", name)
	}
}

func TestLoadAllHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)

	l := NewLoader(dir, nil)
	bundle, err := l.LoadAll()
	require.NoError(t, err)
	require.True(t, l.Ready())

	assert.Equal(t, 3, bundle.Chain.Width())
	assert.Equal(t, 3, bundle.Supervised.InputWidth())
	assert.Equal(t, 2, bundle.Supervised.OutputWidth())
	assert.Equal(t, 3, bundle.Unsupervised.InputWidth())
	assert.Equal(t, 2, bundle.Labels.Len())
	assert.Equal(t, 0.01, bundle.Stats.Mean)

	status := l.Status()
	assert.True(t, status.Ready)
	assert.Empty(t, status.Missing)
	assert.Equal(t, features.Count, status.Pipeline.InputFeatures)
	assert.Equal(t, 3, status.Pipeline.SelectedFeatures)
	assert.Equal(t, 2, status.Pipeline.Classes)
	for name, art := range status.Artifacts {
		assert.True(t, art.Exists, "artifact %s should exist", name)
		assert.True(t, art.Loaded, "artifact %s should be loaded", name)
	}
}

func TestLoadAllIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, FileScaler)))

	l := NewLoader(dir, nil)
	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	assert.False(t, l.Ready())
	assert.Equal(t, []string{FileScaler}, l.MissingArtifacts())
}

func TestLoadAllRejectsWidthMismatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	// Classifier that expects two features while the selector emits three.
	narrow := `{"layers":[{"weights":[[1,0],[0,1]],"biases":[0,0],"activation":"softmax"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileSupervised), []byte(narrow), 0o644))

	l := NewLoader(dir, nil)
	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.False(t, l.Ready())
}

func TestLoadAllRejectsClassCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	three := `{"classes":["BENIGN","DDoS","PortScan"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileLabelEncoder), []byte(three), 0o644))

	l := NewLoader(dir, nil)
	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLoadAllRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileScaler), []byte("{not json"), 0o644))

	l := NewLoader(dir, nil)
	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLoadAllRejectsSelectorOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	oob := `{"indices":[0,1,200]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileSelector), []byte(oob), 0o644))

	l := NewLoader(dir, nil)
	_, err := l.LoadAll()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
