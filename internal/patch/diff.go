package patch

import (
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kvit-s/kvit-workspace/internal/workspace"
)

// Preview renders a unified diff per file from the (original, new) content
// pairs. Pure function, no filesystem access.
func Preview(files []FilePatch) ([]FileDiff, error) {
	diffs := make([]FileDiff, 0, len(files))
	for _, fp := range files {
		text, err := unifiedDiff(fp)
		if err != nil {
			return nil, workspace.WrapError(workspace.KindPatchPreviewFailed,
				"failed to render diff for "+fp.Path, err)
		}
		diffs = append(diffs, FileDiff{Path: fp.Path, Diff: text})
	}
	return diffs, nil
}

func unifiedDiff(fp FilePatch) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(fp.OriginalContent),
		B:        difflib.SplitLines(fp.NewContent),
		FromFile: "a/" + fp.Path,
		ToFile:   "b/" + fp.Path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
