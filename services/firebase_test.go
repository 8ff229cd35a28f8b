package services

import (
	"testing"

	"ppgtriage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirebaseRecords(t *testing.T) {
	snapshots := []*models.PatientSnapshot{
		{PatientID: "ward.7/bed[2]", Window: []models.Sample{{PPG: 1}}},
		{PatientID: "bed-3"},
	}

	records := firebaseRecords(snapshots)
	require.Len(t, records, 2)

	rec, ok := records["ward_7_bed_2_"].(*models.PatientSnapshot)
	require.True(t, ok)
	assert.Equal(t, "ward.7/bed[2]", rec.PatientID)
	assert.Nil(t, rec.Window)
	assert.Len(t, snapshots[0].Window, 1, "input left untouched")

	assert.Contains(t, records, "bed-3")
}
