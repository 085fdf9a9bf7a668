package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/medtriage-ai-platform/internal/agents"
	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
)

const (
	defaultEncounterWindow = 10
	externalReportWindow   = 10
)

// Gatherer builds a PatientContext from the store. It never caches.
type Gatherer struct {
	repo            records.Repository
	encounterWindow int
	now             func() time.Time
}

func NewGatherer(repo records.Repository, encounterWindow int) *Gatherer {
	if repo == nil {
		panic("triage: records repository cannot be nil")
	}
	if encounterWindow <= 0 {
		encounterWindow = defaultEncounterWindow
	}
	return &Gatherer{repo: repo, encounterWindow: encounterWindow, now: time.Now}
}

// Gather loads the patient and a most-recent-first window of encounters. When
// encounterID is present that encounter becomes CurrentEncounter even if it
// falls outside the window; it must belong to the patient.
func (g *Gatherer) Gather(ctx context.Context, patientID string, encounterID clinical.Optional[string]) (clinical.PatientContext, error) {
	patient, err := g.repo.GetPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return clinical.PatientContext{}, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
		}
		return clinical.PatientContext{}, fmt.Errorf("triage: load patient: %w", err)
	}

	encounters, err := g.repo.ListRecentEncounters(ctx, patientID, g.encounterWindow)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list encounters: %w", err)
	}

	if id, ok := encounterID.Get(); ok {
		found := false
		for _, enc := range encounters {
			if enc.ID == id {
				found = true
				break
			}
		}
		if !found {
			enc, err := g.repo.GetEncounter(ctx, id)
			if err != nil {
				if errors.Is(err, records.ErrNotFound) {
					return clinical.PatientContext{}, fmt.Errorf("%w: %s", ErrEncounterNotFound, id)
				}
				return clinical.PatientContext{}, fmt.Errorf("triage: load encounter: %w", err)
			}
			if enc.PatientID != patientID {
				return clinical.PatientContext{}, fmt.Errorf("%w: %s does not belong to patient %s", ErrEncounterNotFound, id, patientID)
			}
			encounters = append([]clinical.Encounter{enc}, encounters...)
			if len(encounters) > g.encounterWindow {
				encounters = encounters[:g.encounterWindow]
			}
		}
	}

	ids := make([]string, 0, len(encounters))
	for _, enc := range encounters {
		ids = append(ids, enc.ID)
	}
	scans, err := g.repo.ListScansForEncounters(ctx, ids)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list scans: %w", err)
	}
	scansByEncounter := make(map[string][]clinical.Scan, len(ids))
	for _, scan := range scans {
		scansByEncounter[scan.EncounterID] = append(scansByEncounter[scan.EncounterID], scan)
	}

	history, err := g.repo.ListMedicalHistory(ctx, patientID)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list medical history: %w", err)
	}
	meds, err := g.repo.ListMedications(ctx, patientID)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list medications: %w", err)
	}
	external, err := g.repo.ListExternalReports(ctx, patientID, externalReportWindow)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list external reports: %w", err)
	}
	// Over-fetch so PROCESSING placeholders do not crowd out real reports.
	reports, err := g.repo.ListTriageReports(ctx, patientID, agents.MaxPriorReports*2)
	if err != nil {
		return clinical.PatientContext{}, fmt.Errorf("triage: list triage reports: %w", err)
	}

	reportByEncounter := make(map[string]string)
	var prior []clinical.TriageReport
	for _, rep := range reports {
		if rep.Status != clinical.ReportStatusDraft && rep.Status != clinical.ReportStatusFinalized {
			continue
		}
		if _, seen := reportByEncounter[rep.EncounterID]; !seen {
			reportByEncounter[rep.EncounterID] = rep.ID
		}
		if len(prior) < agents.MaxPriorReports {
			prior = append(prior, rep)
		}
	}

	now := g.now().UTC()
	pc := clinical.PatientContext{
		Patient:         patient,
		Age:             patient.AgeAt(now),
		MedicalHistory:  history,
		Medications:     meds,
		ExternalReports: external,
		PriorReports:    prior,
		GatheredAt:      now,
	}
	for _, enc := range encounters {
		ec := clinical.EncounterContext{
			Encounter: enc,
			Scans:     scansByEncounter[enc.ID],
		}
		if id, ok := reportByEncounter[enc.ID]; ok {
			ec.ReportID = clinical.Some(id)
		}
		pc.Encounters = append(pc.Encounters, ec)
	}
	if len(pc.Encounters) > 0 {
		pc.CurrentEncounter = pc.Encounters[0]
		if id, ok := encounterID.Get(); ok {
			for _, ec := range pc.Encounters {
				if ec.Encounter.ID == id {
					pc.CurrentEncounter = ec
					break
				}
			}
		}
	}
	return pc, nil
}
