package agents

import "github.com/wolfman30/medtriage-ai-platform/internal/clinical"

const scanSystemPrompt = `You are a board-certified radiologist and dermatologist assisting emergency triage.
Describe only what is supported by the provided image or metadata. State uncertainty plainly.

Return ONLY JSON in this exact format:
{"findings":"","abnormalities":[],"severity":"NORMAL|MILD|MODERATE|SEVERE","confidence":0.0,"recommendations":[]}

confidence is a number between 0 and 1.`

var scanFocus = map[clinical.ScanType]string{
	clinical.ScanXRay: `Modality: plain radiograph (X-ray).
Focus on: fractures and dislocations, joint alignment, lung fields (consolidation, effusion,
pneumothorax), cardiac silhouette, mediastinal width, foreign bodies, and bone density.`,
	clinical.ScanMRI: `Modality: MRI.
Focus on: soft tissue and ligament integrity, signal abnormalities, mass lesions and edema,
disc herniation or cord compression, and evidence of ischemia or haemorrhage.`,
	clinical.ScanCT: `Modality: CT.
Focus on: acute haemorrhage, mass effect and midline shift, free air or fluid,
organ injury, vascular abnormalities, and pulmonary emboli.`,
	clinical.ScanDermatology: `Modality: clinical skin photograph.
Focus on: lesion morphology using ABCDE criteria (asymmetry, border, colour, diameter, evolution),
signs of infection or cellulitis, burns, and features needing urgent referral.`,
	clinical.ScanUltrasound: `Modality: ultrasound.
Focus on: free fluid, organ size and echotexture, gallbladder and biliary findings,
vascular flow abnormalities, masses or cysts, and pregnancy-related findings.`,
}

const scanFocusOther = `Modality: other medical image.
Describe visible structures, any apparent abnormality, and whether specialist review is needed.`

// ScanFocus returns the type-specific instructions for a scan type.
func ScanFocus(t clinical.ScanType) string {
	if focus, ok := scanFocus[t]; ok {
		return focus
	}
	return scanFocusOther
}
