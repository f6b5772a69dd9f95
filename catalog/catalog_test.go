package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassSets(t *testing.T) {
	crops := CropClasses()
	require.Len(t, crops, 22)
	assert.Equal(t, "rice", crops[0])
	assert.Equal(t, "coffee", crops[21])

	diseases := DiseaseClasses()
	require.Len(t, diseases, 11)
	assert.Equal(t, HealthyClass, diseases[10])

	crops[0] = "mutated"
	assert.Equal(t, "rice", CropClasses()[0], "class set must not be shared")
}

func TestEveryClassHasMetadata(t *testing.T) {
	for _, tc := range []struct {
		cat     *Catalog
		classes []string
	}{
		{Diseases(), DiseaseClasses()},
		{Crops(), CropClasses()},
	} {
		all := tc.cat.Complete(tc.classes)
		require.Len(t, all, len(tc.classes))
		for _, name := range tc.classes {
			info := all[name]
			assert.NotEmpty(t, info.Severity, name)
			assert.NotEmpty(t, info.Description, name)
		}
	}
}

func TestDiseaseFallback(t *testing.T) {
	cat := Diseases()
	assert.False(t, cat.Curated("target_spot"))

	info := cat.Lookup("target_spot")
	assert.Equal(t, "Medium", info.Severity)
	assert.Equal(t, "Plant disease: Target Spot", info.Description)
	assert.Equal(t, []string{"Symptoms of target_spot"}, info.Symptoms)
	assert.Equal(t, []string{"Common causes of target_spot"}, info.Causes)
	assert.Equal(t, []string{"Consult agricultural expert"}, info.Treatments.Chemical)
	assert.Equal(t, []string{"Good hygiene", "Regular monitoring"}, info.Treatments.Preventive)
}

func TestCuratedEntries(t *testing.T) {
	late := Diseases().Lookup("late_blight")
	assert.Equal(t, "High", late.Severity)
	assert.Contains(t, late.Causes, "Phytophthora infestans")

	healthy := Diseases().Lookup(HealthyClass)
	assert.Equal(t, "None", healthy.Severity)
	assert.Empty(t, healthy.Treatments.Chemical)
	assert.Equal(t, []string{"Continue good practices", "Regular monitoring"}, healthy.Treatments.Preventive)

	rice := Crops().Lookup("rice")
	assert.Equal(t, "NPK 20-10-10", rice.Fertilizer)
	assert.NotEmpty(t, rice.Practices)
}

func TestLookupDoesNotShareState(t *testing.T) {
	cat := Diseases()
	before := cat.Lookup("early_blight")

	got := cat.Lookup("early_blight")
	got.Treatments.Chemical[0] = "tampered"
	got.Symptoms = append(got.Symptoms, "extra")

	fallback := cat.Lookup("spider_mites")
	fallback.Treatments.Organic[0] = "tampered"

	if diff := cmp.Diff(before, cat.Lookup("early_blight")); diff != "" {
		t.Errorf("curated entry mutated (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Neem oil spray", cat.Lookup("spider_mites").Treatments.Organic[0])
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Yellow Leaf Curl Virus", DisplayName("yellow_leaf_curl_virus"))
	assert.Equal(t, "Rice", DisplayName("rice"))
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse([]byte("classes: [1, 2"))
	assert.Error(t, err)
}
