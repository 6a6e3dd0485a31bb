package census

// BoundaryMeta describes how a boundary table exposes its region identifier,
// display name, and area. NameField and AreaField are SQL expressions.
type BoundaryMeta struct {
	Boundary  Resolution `yaml:"boundary" mapstructure:"boundary"`
	IDField   string     `yaml:"id_field" mapstructure:"id_field"`
	NameField string     `yaml:"name_field" mapstructure:"name_field"`
	AreaField string     `yaml:"area_field" mapstructure:"area_field"`
}

// YearDefaults holds the file and field naming conventions of a census year.
type YearDefaults struct {
	MetadataFilePrefix string
	MetadataFileType   string
	DataFilePrefix     string
	DataFileType       string
	TableNamePart      int // position in the data file name of its table name
	BoundaryNamePart   int // position in the data file name of its boundary name
	RegionIDField      string
	Boundaries         []BoundaryMeta

	// PopulationTable and PopulationStat locate the total persons count
	// copied onto every web boundary.
	PopulationTable string
	PopulationStat  string
}

// SupportedYears lists the census years with known defaults.
var SupportedYears = []string{"2011", "2016"}

// Defaults returns the naming conventions for year.
func Defaults(year string) (YearDefaults, bool) {
	switch year {
	case "2016":
		return YearDefaults{
			MetadataFilePrefix: "Sample_Metadata_",
			MetadataFileType:   ".xlsx",
			DataFilePrefix:     "2016_Sample_",
			DataFileType:       ".csv",
			TableNamePart:      2,
			BoundaryNamePart:   3,
			RegionIDField:      "aus_code_2016",
			Boundaries:         boundaries2016(),
			PopulationTable:    "g01",
			PopulationStat:     "g3",
		}, true
	case "2011":
		return YearDefaults{
			MetadataFilePrefix: "Metadata_",
			MetadataFileType:   ".xlsx",
			DataFilePrefix:     "2011Census_",
			DataFileType:       ".csv",
			TableNamePart:      1,
			BoundaryNamePart:   3,
			RegionIDField:      "region_id",
			Boundaries:         boundaries2011(),
			PopulationTable:    "b01",
			PopulationStat:     "b3",
		}, true
	}
	return YearDefaults{}, false
}

func boundaries2016() []BoundaryMeta {
	const area = "areasqkm16"
	return []BoundaryMeta{
		{"add", "add_code16", "add_name16", area},
		{"ced", "ced_code16", "ced_name16", area},
		{"gccsa", "gcc_code16", "gcc_name16", area},
		{"iare", "iar_code16", "iar_name16", area},
		{"iloc", "ilo_code16", "ilo_name16", area},
		{"ireg", "ire_code16", "ire_name16", area},
		{"lga", "lga_code16", "lga_name16", area},
		{"mb", "mb_code16", "'MB ' || mb_code16", area},
		{"nrmr", "nrm_code16", "nrm_name16", area},
		{"poa", "poa_code16", "'Postcode ' || poa_name16", area},
		{"sa1", "sa1_main16", "'SA1 ' || sa1_main16", area},
		{"sa2", "sa2_main16", "sa2_name16", area},
		{"sa3", "sa3_code16", "sa3_name16", area},
		{"sa4", "sa4_code16", "sa4_name16", area},
		{"sed", "sed_code16", "sed_name16", area},
		{"ssc", "ssc_code16", "ssc_name16", area},
		{"ste", "state_code16", "state_name16", area},
		{"tr", "tr_code16", "tr_name16", area},
	}
}

func boundaries2011() []BoundaryMeta {
	const area = "area_sqkm"
	return []BoundaryMeta{
		{"ced", "ced_code", "ced_name", area},
		{"gccsa", "gccsa_code", "gccsa_name", area},
		{"iare", "iare_code", "iare_name", area},
		{"iloc", "iloc_code", "iloc_name", area},
		{"ireg", "ireg_code", "ireg_name", area},
		{"lga", "lga_code", "lga_name", area},
		{"mb", "mb_code11", "'MB ' || mb_code11", "albers_sqm / 1000000.0"},
		{"poa", "poa_code", "'POA ' || poa_name", area},
		{"ra", "ra_code", "ra_name", area},
		{"sa1", "sa1_7digit", "'SA1 ' || sa1_7digit", area},
		{"sa2", "sa2_main", "sa2_name", area},
		{"sa3", "sa3_code", "sa3_name", area},
		{"sa4", "sa4_code", "sa4_name", area},
		{"sed", "sed_code", "sed_name", area},
		{"sla", "sla_main", "sla_name", area},
		{"sos", "sos_code", "sos_name", area},
		{"sosr", "sosr_code", "sosr_name", area},
		{"ssc", "ssc_code", "ssc_name", area},
		{"ste", "state_code", "state_name", area},
		{"sua", "sua_code", "sua_name", area},
		{"ucl", "ucl_code", "ucl_name", area},
	}
}
