package dataset

import (
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset/domain"
)

const (
	CodeDemand            = "demand"
	CodeIEXPrice          = "iex_price"
	CodeIEXGeneration     = "iex_generation"
	CodePlantConsumption  = "plant_consumption"
	CodeBanking           = "banking_adjustment"
	CodeProcurementOutput = "procurement_output"
)

// Catalog is the read-only registry of dataset descriptors.
type Catalog struct {
	byCode map[string]domain.Descriptor
	codes  []string
	tuning *config.IngestTuningHolder
}

// NewCatalog builds the catalog. Patch policies may be overridden at runtime
// through the ingest tuning file.
func NewCatalog(tuning *config.IngestTuningHolder) *Catalog {
	return newCatalog(tuning, defaultDescriptors())
}

func newCatalog(tuning *config.IngestTuningHolder, descriptors []domain.Descriptor) *Catalog {
	c := &Catalog{
		byCode: make(map[string]domain.Descriptor, len(descriptors)),
		tuning: tuning,
	}
	for _, d := range descriptors {
		d.Route = routeFor(d.RouteSegments)
		c.byCode[d.Code] = d
		c.codes = append(c.codes, d.Code)
	}
	sort.Strings(c.codes)
	return c
}

// Lookup returns the descriptor for code with runtime overrides applied.
func (c *Catalog) Lookup(code string) (domain.Descriptor, error) {
	d, ok := c.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return domain.Descriptor{}, domain.ErrUnknownDataset
	}
	if c.tuning != nil {
		if policy := c.tuning.Get().PolicyFor(d.Code); policy != "" {
			d.PatchPolicy = domain.PatchPolicy(policy)
		}
	}
	return d, nil
}

// All returns every descriptor ordered by code.
func (c *Catalog) All() []domain.Descriptor {
	out := make([]domain.Descriptor, 0, len(c.codes))
	for _, code := range c.codes {
		d, _ := c.Lookup(code)
		out = append(out, d)
	}
	return out
}

func routeFor(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if s := slug.Make(segment); s != "" {
			parts = append(parts, s)
		}
	}
	return "/" + strings.Join(parts, "/")
}

func floats(required bool, names ...string) []domain.Field {
	out := make([]domain.Field, 0, len(names))
	for _, name := range names {
		out = append(out, domain.Field{Name: name, Type: domain.FieldFloat, Required: required})
	}
	return out
}

func fields(groups ...[]domain.Field) []domain.Field {
	var out []domain.Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func timestamp(name string) []domain.Field {
	return []domain.Field{{Name: name, Type: domain.FieldTimestamp, Required: true}}
}

func defaultDescriptors() []domain.Descriptor {
	return []domain.Descriptor{
		{
			Code:           CodeDemand,
			Name:           "Demand",
			RouteSegments:  []string{"Demand"},
			TimestampField: "TimeStamp",
			Fields: fields(
				timestamp("TimeStamp"),
				floats(true, "Demand(Actual)"),
				floats(false, "Demand(Pred)"),
			),
			PatchPolicy: domain.PatchStrict,
		},
		{
			Code:           CodeIEXPrice,
			Name:           "IEX Price",
			RouteSegments:  []string{"IEX", "Price"},
			TimestampField: "TimeStamp",
			Fields: fields(
				timestamp("TimeStamp"),
				floats(true, "Actual", "Pred"),
			),
			PatchPolicy: domain.PatchStrict,
		},
		{
			Code:           CodeIEXGeneration,
			Name:           "IEX Generation",
			RouteSegments:  []string{"IEX", "Quantity"},
			TimestampField: "TimeStamp",
			Fields: fields(
				timestamp("TimeStamp"),
				floats(true, "Qty_Pred", "Pred_Price"),
			),
			PatchPolicy: domain.PatchStrict,
		},
		{
			Code:           CodePlantConsumption,
			Name:           "Plant Consumption",
			RouteSegments:  []string{"Plant Consumption"},
			TimestampField: "TimeStamp",
			SecondaryKeys:  []string{"Plant_Name"},
			Fields: fields(
				timestamp("TimeStamp"),
				[]domain.Field{{Name: "Plant_Name", Type: domain.FieldString, Required: true}},
				floats(true, "Actual"),
				floats(false, "Pred"),
			),
			PatchPolicy: domain.PatchStrict,
		},
		{
			Code:           CodeBanking,
			Name:           "Banking Adjustment",
			RouteSegments:  []string{"Banking"},
			TimestampField: "Timestamp",
			Fields: fields(
				timestamp("Timestamp"),
				floats(true, "Banking_Unit"),
				floats(false, "Banking_Charge", "Demand_Banked"),
			),
			PatchPolicy: domain.PatchPermissive,
		},
		{
			Code:           CodeProcurementOutput,
			Name:           "Procurement Output",
			RouteSegments:  []string{"Procurement Output"},
			TimestampField: "TimeStamp",
			Fields: fields(
				timestamp("TimeStamp"),
				floats(true, "Demand(Actual)", "Demand(Pred)"),
				floats(false,
					"Banking_Unit",
					"Cost_Per_Block",
					"Demand_Banked",
					"IEX_Cost",
					"Last_Price",
					"Must_Run_Total_Cost",
					"Must_Run_Total_Gen",
					"Remaining_Plants_Total_Cost",
					"Remaining_Plants_Total_Gen",
					"Backdown_Cost",
					"IEX_Gen",
				),
				[]domain.Field{
					{Name: "IEX_Data", Type: domain.FieldNested},
					{Name: "Must_Run", Type: domain.FieldNested},
					{Name: "Remaining_Plants", Type: domain.FieldNested},
				},
			),
			ExtraLayouts: []string{
				"Mon, 02 Jan 2006 15:04:05",
				"2006-01-02 15:04",
			},
			PatchPolicy: domain.PatchPermissive,
		},
	}
}
