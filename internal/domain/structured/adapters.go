package structured

var (
	conditionClinicalStatuses = set("active", "recurrence", "relapse", "inactive", "remission", "resolved")
	conditionVerification     = set("unconfirmed", "provisional", "differential", "confirmed", "refuted", "entered-in-error")
	allergyClinicalStatuses   = set("active", "inactive", "resolved")
	allergyVerification       = set("unconfirmed", "presumed", "confirmed", "refuted", "entered-in-error")
	allergyCategories         = set("food", "medication", "environment", "biologic")
	allergyCriticality        = set("low", "high", "unable-to-assess")
	severities                = set("mild", "moderate", "severe")
	medRequestStatuses        = set("active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown")
	medRequestIntents         = set("proposal", "plan", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option")
	medStatementStatuses      = set("active", "completed", "entered-in-error", "intended", "stopped", "on-hold", "unknown", "not-taken")
	encounterStatuses         = set("planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error")
	encounterClasses          = set("AMB", "EMER", "IMP", "HH", "VR", "OBSENC")
	appointmentStatuses       = set("proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist")
	locationStatuses          = set("planned", "active", "reserved", "completed")
)

// Builtin returns one adapter per structured question type, all writing
// through w.
func Builtin(w ResourceWriter) []Adapter {
	return []Adapter{
		&resourceAdapter{
			typ: "allergy_intolerance", resource: "allergy_intolerance", writer: w,
			rules: []fieldRule{
				{path: "code", kind: kindCoding, required: true},
				{path: "clinical_status", kind: kindEnum, enum: allergyClinicalStatuses},
				{path: "verification_status", kind: kindEnum, enum: allergyVerification},
				{path: "category", kind: kindEnum, enum: allergyCategories},
				{path: "criticality", kind: kindEnum, enum: allergyCriticality},
				{path: "last_occurrence", kind: kindDateTime},
				{path: "note", kind: kindString},
			},
			defaults: map[string]string{"clinical_status": "active", "verification_status": "confirmed"},
		},
		&resourceAdapter{
			typ: "medication_request", resource: "medication_request", writer: w,
			rules: []fieldRule{
				{path: "medication", kind: kindCoding, required: true},
				{path: "status", kind: kindEnum, enum: medRequestStatuses},
				{path: "intent", kind: kindEnum, enum: medRequestIntents},
				{path: "authored_on", kind: kindDateTime},
				{path: "dosage_instruction.dose.value", kind: kindNumber},
				{path: "note", kind: kindString},
			},
			defaults: map[string]string{"status": "active", "intent": "order"},
		},
		&resourceAdapter{
			typ: "medication_statement", resource: "medication_statement", writer: w,
			rules: []fieldRule{
				{path: "medication", kind: kindCoding, required: true},
				{path: "status", kind: kindEnum, enum: medStatementStatuses},
				{path: "effective_period.start", kind: kindDateTime},
				{path: "effective_period.end", kind: kindDateTime},
				{path: "dosage_text", kind: kindString},
				{path: "note", kind: kindString},
			},
			orderings: []ordering{{before: "effective_period.start", after: "effective_period.end"}},
			defaults:  map[string]string{"status": "active"},
		},
		&resourceAdapter{
			typ: "symptom", resource: "symptom", writer: w,
			rules: []fieldRule{
				{path: "code", kind: kindCoding, required: true},
				{path: "clinical_status", kind: kindEnum, enum: conditionClinicalStatuses},
				{path: "verification_status", kind: kindEnum, enum: conditionVerification},
				{path: "severity", kind: kindEnum, enum: severities},
				{path: "onset.onset_datetime", kind: kindDateTime},
				{path: "note", kind: kindString},
			},
			defaults: map[string]string{"clinical_status": "active", "verification_status": "unconfirmed"},
		},
		&resourceAdapter{
			typ: "diagnosis", resource: "diagnosis", writer: w,
			rules: []fieldRule{
				{path: "code", kind: kindCoding, required: true},
				{path: "clinical_status", kind: kindEnum, enum: conditionClinicalStatuses},
				{path: "verification_status", kind: kindEnum, enum: conditionVerification},
				{path: "onset.onset_datetime", kind: kindDateTime},
				{path: "note", kind: kindString},
			},
			defaults: map[string]string{"clinical_status": "active", "verification_status": "confirmed"},
		},
		&resourceAdapter{
			typ: "encounter", resource: "encounter", writer: w, needsEncounter: true,
			rules: []fieldRule{
				{path: "period.start", kind: kindDateTime, required: true},
				{path: "period.end", kind: kindDateTime},
				{path: "status", kind: kindEnum, enum: encounterStatuses},
				{path: "encounter_class", kind: kindEnum, enum: encounterClasses},
			},
			orderings: []ordering{{before: "period.start", after: "period.end"}},
			defaults:  map[string]string{"status": "in-progress"},
		},
		&resourceAdapter{
			typ: "appointment", resource: "appointment", writer: w, needsEncounter: true,
			rules: []fieldRule{
				{path: "start", kind: kindDateTime, required: true},
				{path: "end", kind: kindDateTime, required: true},
				{path: "status", kind: kindEnum, enum: appointmentStatuses},
				{path: "reason", kind: kindString},
			},
			orderings: []ordering{{before: "start", after: "end"}},
			defaults:  map[string]string{"status": "proposed"},
		},
		&resourceAdapter{
			typ: "location_association", resource: "location_association", writer: w, needsEncounter: true,
			rules: []fieldRule{
				{path: "location", kind: kindString, required: true},
				{path: "start_datetime", kind: kindDateTime},
				{path: "end_datetime", kind: kindDateTime},
				{path: "status", kind: kindEnum, enum: locationStatuses},
			},
			orderings: []ordering{{before: "start_datetime", after: "end_datetime"}},
			defaults:  map[string]string{"status": "active"},
		},
	}
}
