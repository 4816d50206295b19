package updater

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrBundleInvalid marks a downloaded bundle that failed integrity checks;
// the current install is left untouched.
var ErrBundleInvalid = errors.New("invalid agent bundle")

// BundleFetcher streams the latest agent bundle to a local file.
type BundleFetcher interface {
	DownloadBundle(destPath string) error
}

// UpdateAgent downloads and installs a new agent bundle, returning the new
// version. The swap is atomic at the directory level: the current install
// is renamed aside, the new tree renamed into place, and the backup
// removed only once the new tree is live. Any rename failure aborts loudly
// and restores the previous install.
func UpdateAgent(fetcher BundleFetcher, installDir string) (string, error) {
	parent := filepath.Dir(installDir)
	tempDir, err := os.MkdirTemp(parent, "updatewatch-bundle-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	bundlePath := filepath.Join(tempDir, "latest.tar.gz")
	log.Printf("update: downloading agent bundle")
	if err := fetcher.DownloadBundle(bundlePath); err != nil {
		return "", fmt.Errorf("download bundle: %w", err)
	}

	newDir := filepath.Join(tempDir, "app")
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	log.Printf("update: extracting bundle")
	if err := extractTarGz(bundlePath, newDir); err != nil {
		return "", fmt.Errorf("extract bundle: %w", err)
	}

	versionData, err := os.ReadFile(filepath.Join(newDir, "VERSION"))
	if err != nil {
		return "", fmt.Errorf("%w: bundle missing VERSION file", ErrBundleInvalid)
	}
	newVersion := strings.TrimSpace(string(versionData))

	backupDir := installDir + ".bak"
	if err := os.RemoveAll(backupDir); err != nil {
		return "", fmt.Errorf("clear old backup: %w", err)
	}

	log.Printf("update: swapping install directory")
	if _, err := os.Stat(installDir); err == nil {
		if err := os.Rename(installDir, backupDir); err != nil {
			return "", fmt.Errorf("move current install aside: %w", err)
		}
	}
	if err := os.Rename(newDir, installDir); err != nil {
		// Put the previous install back before failing.
		if restoreErr := os.Rename(backupDir, installDir); restoreErr != nil {
			return "", fmt.Errorf("install new version: %v; restore failed: %w", err, restoreErr)
		}
		return "", fmt.Errorf("install new version: %w", err)
	}
	if err := os.RemoveAll(backupDir); err != nil {
		log.Printf("update: backup cleanup: %v", err)
	}

	postSwapHook(installDir)

	log.Printf("update: complete, version %s", newVersion)
	return newVersion, nil
}

// postSwapHook runs the bundle's optional post-install script. Best
// effort: a failure is logged and the update still succeeds.
func postSwapHook(installDir string) {
	script := filepath.Join(installDir, "post-install.sh")
	if _, err := os.Stat(script); err != nil {
		return
	}
	out, err := exec.Command("/bin/sh", script).CombinedOutput()
	if err != nil {
		log.Printf("update: post-install hook: %v (%s)", err, strings.TrimSpace(string(out)))
	}
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := sanitizePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// sanitizePath rejects entries that would escape the extraction root.
func sanitizePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("%w: entry %q escapes bundle root", ErrBundleInvalid, name)
	}
	return target, nil
}
