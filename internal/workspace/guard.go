package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
	v1 "github.com/ensembleai/ensemble/pkg/api/v1"
)

// Guard admits read-only access to isolated execution workspaces. A path
// is admitted only when it sits under the isolated parent provisioned
// for the named workflow execution and the requested entry resolves
// beneath it without traversal. Caller ownership of the workflow is the
// transport layer's half of the admission check.
type Guard struct {
	tempRoot string
}

// NewGuard creates a Guard rooted at tempRoot ("" means os.TempDir).
func NewGuard(tempRoot string) *Guard {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	return &Guard{tempRoot: tempRoot}
}

// Admit validates that workspacePath is the isolated workspace of the
// given workflow execution (or a subdirectory of one) and that rel
// resolves under it. Returns the absolute target path.
func (g *Guard) Admit(workflowID, workspacePath, rel string) (string, error) {
	wp := filepath.Clean(workspacePath)
	if !filepath.IsAbs(wp) {
		return "", apperrors.BadRequest("workspace_path must be absolute")
	}

	root := filepath.Clean(g.tempRoot)
	relToRoot, err := filepath.Rel(root, wp)
	if err != nil || relToRoot == "." || strings.HasPrefix(relToRoot, "..") {
		return "", apperrors.BadRequest("workspace_path is outside the workspace root")
	}

	first := strings.SplitN(relToRoot, string(os.PathSeparator), 2)[0]
	if !strings.HasPrefix(first, IsolatedParentPrefix) {
		return "", apperrors.BadRequest("workspace_path is not an isolated execution workspace")
	}
	if workflowID == "" || first != IsolatedParentPrefix+workflowID {
		return "", apperrors.Forbidden("workspace_path does not belong to the requested workflow")
	}

	target := wp
	if rel != "" {
		target = filepath.Clean(filepath.Join(wp, rel))
		inWorkspace, relErr := filepath.Rel(wp, target)
		if relErr != nil || strings.HasPrefix(inWorkspace, "..") {
			return "", apperrors.BadRequest("path escapes the workspace")
		}
	}
	return target, nil
}

// List returns the directory entries at rel inside an admitted workspace.
func (g *Guard) List(workflowID, workspacePath, rel string) ([]v1.WorkspaceEntry, error) {
	target, err := g.Admit(workflowID, workspacePath, rel)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("directory", rel)
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	entries := make([]v1.WorkspaceEntry, 0, len(dirents))
	for _, de := range dirents {
		entry := v1.WorkspaceEntry{
			Name:  de.Name(),
			Path:  filepath.Join(rel, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, infoErr := de.Info(); infoErr == nil && !de.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// maxReadBytes bounds file reads through the browse surface.
const maxReadBytes = 2 * 1024 * 1024

// ReadFile returns the content of a file inside an admitted workspace.
func (g *Guard) ReadFile(workflowID, workspacePath, filePath string) (*v1.WorkspaceReadResponse, error) {
	target, err := g.Admit(workflowID, workspacePath, filePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("file", filePath)
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, apperrors.BadRequest("path is a directory")
	}
	if info.Size() > maxReadBytes {
		return nil, apperrors.BadRequest("file too large to read through this endpoint")
	}

	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &v1.WorkspaceReadResponse{
		Path:    filePath,
		Content: string(content),
		Size:    info.Size(),
	}, nil
}
