package usecase

import (
	"keyvoxdesk/internal/dictionary"
)

// Preview is a transcript with dictionary replacements applied locally.
type Preview struct {
	Raw       string `json:"raw"`
	Corrected string `json:"corrected"`
	Changed   bool   `json:"changed"`
	Entries   int    `json:"entries"`
}

// PreviewCorrections shows what the engine's dictionary pass would make of
// text, using the cached dictionary.
func (c *Controller) PreviewCorrections(text string) Preview {
	corrector := dictionary.NewCorrector(c.deps.Store.Snapshot().Dictionary)
	corrected := corrector.Apply(text)
	return Preview{
		Raw:       text,
		Corrected: corrected,
		Changed:   corrected != text,
		Entries:   corrector.Len(),
	}
}
