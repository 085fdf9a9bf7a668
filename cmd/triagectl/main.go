package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/medtriage-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
)

// publishFunc delivers an envelope to the triage queue.
type publishFunc func(ctx context.Context, env events.InboundEnvelope) error

func main() {
	_ = godotenv.Load()
	root := newRootCmd(os.Stdout, sqsPublisher)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, publish publishFunc) *cobra.Command {
	root := &cobra.Command{
		Use:          "triagectl",
		Short:        "Enqueue triage workflow triggers",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("dry-run", false, "Print the envelope instead of sending it")

	root.AddCommand(requestCmd(out, publish))
	root.AddCommand(scanUploadedCmd(out, publish))
	return root
}

func requestCmd(out io.Writer, publish publishFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a triage run for an encounter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			patientID, _ := flags.GetString("patient")
			encounterID, _ := flags.GetString("encounter")
			symptoms, _ := flags.GetString("symptoms")
			transcript, _ := flags.GetString("transcript")
			scanIDs, _ := flags.GetStringSlice("scan")
			placeholder, _ := flags.GetString("report-id")
			trigger, _ := flags.GetString("trigger")

			env := events.NewTriageRequested(events.TriageRequestedV1{
				EncounterID:     strings.TrimSpace(encounterID),
				PatientID:       strings.TrimSpace(patientID),
				Symptoms:        symptoms,
				VoiceTranscript: clinical.SomeString(transcript),
				ScanIDs:         scanIDs,
				TriageReportID:  clinical.SomeString(placeholder),
				Trigger:         clinical.TriggerType(trigger),
				RequestedAt:     time.Now().UTC(),
			})
			return emit(cmd, out, publish, env)
		},
	}
	cmd.Flags().String("patient", "", "Patient id (required)")
	cmd.Flags().String("encounter", "", "Encounter id (required)")
	cmd.Flags().String("symptoms", "", "Symptom text to record on the encounter")
	cmd.Flags().String("transcript", "", "Voice transcript to record on the encounter")
	cmd.Flags().StringSlice("scan", nil, "Restrict scan analysis to these scan ids")
	cmd.Flags().String("report-id", "", "PROCESSING placeholder report id to fill")
	cmd.Flags().String("trigger", string(clinical.TriggerManual), "MANUAL, AUTOMATIC or SCAN_UPLOAD")
	return cmd
}

func scanUploadedCmd(out io.Writer, publish publishFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan-uploaded",
		Short: "Announce an uploaded scan so it is analyzed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			scanID, _ := flags.GetString("scan")
			patientID, _ := flags.GetString("patient")
			encounterID, _ := flags.GetString("encounter")
			scanType, _ := flags.GetString("type")
			fileURL, _ := flags.GetString("file")
			bodyPart, _ := flags.GetString("body-part")

			env := events.NewScanUploaded(events.ScanUploadedV1{
				ScanID:      strings.TrimSpace(scanID),
				EncounterID: strings.TrimSpace(encounterID),
				PatientID:   strings.TrimSpace(patientID),
				ScanType:    clinical.NormalizeScanType(scanType),
				FileURL:     fileURL,
				BodyPart:    clinical.SomeString(bodyPart),
			})
			return emit(cmd, out, publish, env)
		},
	}
	cmd.Flags().String("scan", "", "Scan id (required)")
	cmd.Flags().String("patient", "", "Patient id (required)")
	cmd.Flags().String("encounter", "", "Encounter id (required)")
	cmd.Flags().String("type", "", "Scan type, e.g. XRAY or MRI")
	cmd.Flags().String("file", "", "Stored file key or URL")
	cmd.Flags().String("body-part", "", "Body part imaged")
	return cmd
}

func emit(cmd *cobra.Command, out io.Writer, publish publishFunc, env events.InboundEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}
	if err := publish(cmd.Context(), env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	_, err := fmt.Fprintf(out, "enqueued %s %s\n", env.Kind, env.ID)
	return err
}

func sqsPublisher(ctx context.Context, env events.InboundEnvelope) error {
	cfg := appconfig.Load()
	if strings.TrimSpace(cfg.TriageQueueURL) == "" {
		return errors.New("TRIAGE_QUEUE_URL is required")
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	return triage.Publish(ctx, triage.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.TriageQueueURL), env)
}
