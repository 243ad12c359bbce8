package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, Debug().Level)
	assert.False(t, Debug().JSON)
	assert.Equal(t, logrus.WarnLevel, Production().Level)
	assert.True(t, Production().JSON)
}

func TestNew_ProductionFiltersAndEncodes(t *testing.T) {
	var buf bytes.Buffer
	p := Production()
	p.Output = &buf
	log := New(p)

	log.Info("quiet")
	assert.Zero(t, buf.Len())

	log.WithField("drawing_id", "D1").Warn("loud")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "loud", entry["msg"])
	assert.Equal(t, "D1", entry["drawing_id"])
}

func TestNew_DoesNotTouchStandardLogger(t *testing.T) {
	before := logrus.GetLevel()
	New(Debug())
	assert.Equal(t, before, logrus.GetLevel())
}

func TestParse(t *testing.T) {
	p, err := Parse("debug", true)
	require.NoError(t, err)
	assert.Equal(t, Policy{Level: logrus.DebugLevel, JSON: true}, p)

	_, err = Parse("shouty", false)
	assert.Error(t, err)
}
