package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/powercasting/internal/dataset/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var demand = domain.Descriptor{
	Code:           "demand",
	TimestampField: "TimeStamp",
	Fields: []domain.Field{
		{Name: "TimeStamp", Type: domain.FieldTimestamp, Required: true},
		{Name: "Demand(Actual)", Type: domain.FieldFloat, Required: true},
		{Name: "Demand(Pred)", Type: domain.FieldFloat},
	},
	PatchPolicy: domain.PatchStrict,
}

var plant = domain.Descriptor{
	Code:           "plant_consumption",
	TimestampField: "TimeStamp",
	SecondaryKeys:  []string{"Plant_Name"},
	Fields: []domain.Field{
		{Name: "TimeStamp", Type: domain.FieldTimestamp, Required: true},
		{Name: "Plant_Name", Type: domain.FieldString, Required: true},
		{Name: "Actual", Type: domain.FieldFloat, Required: true},
		{Name: "Pred", Type: domain.FieldFloat},
	},
	PatchPolicy: domain.PatchStrict,
}

var procurement = domain.Descriptor{
	Code:           "procurement_output",
	TimestampField: "TimeStamp",
	Fields: []domain.Field{
		{Name: "TimeStamp", Type: domain.FieldTimestamp, Required: true},
		{Name: "Demand(Actual)", Type: domain.FieldFloat, Required: true},
		{Name: "IEX_Data", Type: domain.FieldNested},
	},
	ExtraLayouts: []string{"Mon, 02 Jan 2006 15:04:05"},
	PatchPolicy:  domain.PatchPermissive,
}

func TestRowDemand(t *testing.T) {
	rec, err := Row(demand, map[string]any{
		"TimeStamp":      "2024-01-01 00:00:00",
		"Demand(Actual)": json.Number("100"),
		"Demand(Pred)":   "98.5",
		"Extra":          "ignored",
		"uploaded_by":    "forged@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "demand", rec.Dataset)
	assert.Equal(t, "2024-01-01T00:00:00Z", rec.Key)
	assert.True(t, rec.RecordedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, rec.Subject)
	assert.Equal(t, map[string]any{
		"TimeStamp":      "2024-01-01T00:00:00Z",
		"Demand(Actual)": 100.0,
		"Demand(Pred)":   98.5,
	}, rec.Values)
	assert.NotEmpty(t, rec.ContentHash)
}

func TestRowOptionalOmitted(t *testing.T) {
	for _, pred := range []any{nil, "", "   "} {
		rec, err := Row(demand, map[string]any{
			"TimeStamp":      "2024-01-01T00:00:00Z",
			"Demand(Actual)": 100.0,
			"Demand(Pred)":   pred,
		})
		require.NoError(t, err)
		_, present := rec.Values["Demand(Pred)"]
		assert.False(t, present, "pred=%v", pred)
	}
}

func TestRowErrors(t *testing.T) {
	cases := []struct {
		name  string
		row   any
		kind  error
		field string
	}{
		{name: "not an object", row: []any{1}, kind: domain.ErrRowShape},
		{name: "missing timestamp", row: map[string]any{"Demand(Actual)": 1.0}, kind: domain.ErrMissingField, field: "TimeStamp"},
		{name: "null required", row: map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": nil}, kind: domain.ErrMissingField, field: "Demand(Actual)"},
		{name: "empty required", row: map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": ""}, kind: domain.ErrMissingField, field: "Demand(Actual)"},
		{name: "bad timestamp", row: map[string]any{"TimeStamp": "01/01/2024", "Demand(Actual)": 1.0}, kind: domain.ErrTimestampFormat, field: "TimeStamp"},
		{name: "numeric timestamp", row: map[string]any{"TimeStamp": 1704067200.0, "Demand(Actual)": 1.0}, kind: domain.ErrTimestampFormat, field: "TimeStamp"},
		{name: "non numeric", row: map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": "abc"}, kind: domain.ErrType, field: "Demand(Actual)"},
		{name: "boolean", row: map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": true}, kind: domain.ErrType, field: "Demand(Actual)"},
		{name: "nan", row: map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": "NaN"}, kind: domain.ErrType, field: "Demand(Actual)"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Row(demand, tc.row)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.ErrorIs(t, err, domain.ErrValidation)

			var fieldErr *domain.FieldError
			if tc.field != "" {
				require.ErrorAs(t, err, &fieldErr)
				assert.Equal(t, tc.field, fieldErr.Field)
			}
		})
	}
}

func TestTimestampErrorNamesValue(t *testing.T) {
	_, err := Row(demand, map[string]any{"TimeStamp": "not-a-date", "Demand(Actual)": 1.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-date")
}

func TestRowSecondaryKey(t *testing.T) {
	decomposed := "Cafe\u0301 Plant"
	rec, err := Row(plant, map[string]any{
		"TimeStamp":  "2024-01-01T05:30:00+05:30",
		"Plant_Name": "  " + decomposed + " ",
		"Actual":     12.0,
	})
	require.NoError(t, err)

	require.NotNil(t, rec.Subject)
	assert.Equal(t, "Caf\u00e9 Plant", *rec.Subject)
	assert.Equal(t, "2024-01-01T00:00:00Z|Caf\u00e9 Plant", rec.Key)

	_, err = Row(plant, map[string]any{"TimeStamp": "2024-01-01", "Plant_Name": "   ", "Actual": 1.0})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = Row(plant, map[string]any{"TimeStamp": "2024-01-01", "Plant_Name": 7.0, "Actual": 1.0})
	assert.ErrorIs(t, err, domain.ErrType)
}

func TestRowPermissiveDropsUnknownFields(t *testing.T) {
	rec, err := Row(procurement, map[string]any{
		"TimeStamp":      "Mon, 01 Jan 2024 00:00:00 GMT",
		"Demand(Actual)": 10.0,
		"IEX_Data":       map[string]any{"price": 3.0},
		"Notes":          "manual run",
		"_id":            "forged",
	})
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01T00:00:00Z", rec.Key)
	assert.Equal(t, map[string]any{
		"TimeStamp":      "2024-01-01T00:00:00Z",
		"Demand(Actual)": 10.0,
		"IEX_Data":       map[string]any{"price": 3.0},
	}, rec.Values)

	plain, err := Row(procurement, map[string]any{
		"TimeStamp":      "Mon, 01 Jan 2024 00:00:00 GMT",
		"Demand(Actual)": 10.0,
		"IEX_Data":       map[string]any{"price": 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, plain.ContentHash, rec.ContentHash)

	_, err = Row(procurement, map[string]any{"TimeStamp": "2024-01-01", "Demand(Actual)": 1.0, "IEX_Data": "flat"})
	assert.ErrorIs(t, err, domain.ErrType)
}

func TestContentHashStable(t *testing.T) {
	a, err := Row(demand, map[string]any{"TimeStamp": "2024-01-01 00:00:00", "Demand(Actual)": 100.0})
	require.NoError(t, err)
	b, err := Row(demand, map[string]any{"Demand(Actual)": "100", "TimeStamp": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	c, err := Row(demand, map[string]any{"TimeStamp": "2024-01-01 00:00:00", "Demand(Actual)": 101.0})
	require.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestPatch(t *testing.T) {
	existing := map[string]any{
		"_id":            "123",
		"TimeStamp":      "2024-01-01T00:00:00Z",
		"Demand(Actual)": 100.0,
		"Demand(Pred)":   90.0,
		"uploaded_by":    "ops@example.com",
	}

	rec, touched, err := Patch(demand, existing, map[string]any{"Demand(Actual)": 120.0, "Demand(Pred)": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"Demand(Actual)", "Demand(Pred)"}, touched)
	assert.Equal(t, 120.0, rec.Values["Demand(Actual)"])
	_, hasPred := rec.Values["Demand(Pred)"]
	assert.False(t, hasPred)
	assert.Equal(t, 100.0, existing["Demand(Actual)"])

	rec, _, err = Patch(demand, existing, map[string]any{"TimeStamp": "2024-01-02 00:00:00"})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00:00:00Z", rec.Key)
}

func TestPatchErrors(t *testing.T) {
	existing := map[string]any{"TimeStamp": "2024-01-01T00:00:00Z", "Demand(Actual)": 100.0}

	_, _, err := Patch(demand, existing, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyPatch)

	_, _, err = Patch(demand, existing, map[string]any{"Weather": "sunny"})
	assert.ErrorIs(t, err, domain.ErrUnknownField)

	_, _, err = Patch(demand, existing, map[string]any{"uploaded_at": "now"})
	assert.ErrorIs(t, err, domain.ErrReservedField)

	_, _, err = Patch(demand, existing, map[string]any{"Demand(Actual)": nil})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, _, err = Patch(demand, existing, map[string]any{"Demand(Actual)": "lots"})
	assert.ErrorIs(t, err, domain.ErrType)
}

func TestPatchPermissiveAcceptsUnknown(t *testing.T) {
	existing := map[string]any{"TimeStamp": "2024-01-01T00:00:00Z", "Demand(Actual)": 10.0}
	rec, touched, err := Patch(procurement, existing, map[string]any{"Reviewer_Note": "checked"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Reviewer_Note"}, touched)
	assert.Equal(t, "checked", rec.Values["Reviewer_Note"])

	base, err := Row(procurement, existing)
	require.NoError(t, err)
	assert.NotEqual(t, base.ContentHash, rec.ContentHash)

	rec, _, err = Patch(procurement, rec.Values, map[string]any{"Demand(Actual)": 12.0})
	require.NoError(t, err)
	assert.Equal(t, "checked", rec.Values["Reviewer_Note"])
	assert.Equal(t, 12.0, rec.Values["Demand(Actual)"])

	rec, _, err = Patch(procurement, rec.Values, map[string]any{"Reviewer_Note": nil})
	require.NoError(t, err)
	_, kept := rec.Values["Reviewer_Note"]
	assert.False(t, kept)
}

func TestRowKeyFieldTooLong(t *testing.T) {
	name := strings.Repeat("é", MaxKeyFieldLength)
	rec, err := Row(plant, map[string]any{"TimeStamp": "2024-01-01", "Plant_Name": name, "Actual": 1.0})
	require.NoError(t, err)
	assert.Equal(t, name, rec.Values["Plant_Name"])

	_, err = Row(plant, map[string]any{"TimeStamp": "2024-01-01", "Plant_Name": name + "x", "Actual": 1.0})
	assert.ErrorIs(t, err, domain.ErrTooLong)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.EqualError(t, err, "field 'Plant_Name' is too long")
}
