package valueset

// SystemDefined returns the built-in value sets seeded into every tenant.
// They are rebuilt on each call so callers may modify the result.
func SystemDefined() []*ValueSet {
	return []*ValueSet{
		{
			Slug:            "system-condition-code",
			Name:            "Condition codes",
			Description:     "SNOMED CT clinical findings",
			IsSystemDefined: true,
			Compose: Compose{Include: []ComposeEntry{{
				System: SystemSNOMED,
				Filter: []Filter{{Property: "concept", Op: "is-a", Value: "404684003"}},
			}}},
		},
		{
			Slug:            "system-allergy-code",
			Name:            "Allergy and intolerance substances",
			Description:     "SNOMED CT substances and products",
			IsSystemDefined: true,
			Compose: Compose{Include: []ComposeEntry{
				{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: "105590001"}}},
				{System: SystemSNOMED, Filter: []Filter{{Property: "concept", Op: "is-a", Value: "373873005"}}},
			}},
		},
		{
			Slug:            "system-observation",
			Name:            "Observation codes",
			Description:     "All LOINC codes",
			IsSystemDefined: true,
			Compose:         Compose{Include: []ComposeEntry{{System: SystemLOINC}}},
		},
		{
			Slug:            "system-ucum-units",
			Name:            "Common units",
			Description:     "UCUM units offered for quantity questions",
			IsSystemDefined: true,
			Compose: Compose{Include: []ComposeEntry{{
				System: SystemUCUM,
				Concept: []Concept{
					{Code: "kg", Display: "kilogram"},
					{Code: "g", Display: "gram"},
					{Code: "cm", Display: "centimeter"},
					{Code: "mm[Hg]", Display: "millimeter of mercury"},
					{Code: "Cel", Display: "degree Celsius"},
					{Code: "/min", Display: "per minute"},
					{Code: "%", Display: "percent"},
					{Code: "mg/dL", Display: "milligram per deciliter"},
				},
			}}},
		},
	}
}
