package workflow

import (
	"os"
	"path/filepath"

	"github.com/opengisch/fieldq/model"
)

// WriteFeedback serializes the document to feedback.json in the working
// directory. This is the worker's last act before exiting.
func WriteFeedback(fb *model.Feedback, workDir string) error {
	raw, err := model.MarshalFeedback(fb)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workDir, "feedback.json"), raw, 0o644)
}
