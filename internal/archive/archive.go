// Пакет archive — упаковка выгруженных манифестов пакета в zip-архив.
package archive

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"github.com/bigkaa/indexforge/internal/domain/errs"
)

// ArchiveName — имя архива манифестов, создаваемого рядом с каталогом пакета.
const ArchiveName = "manifests.zip"

// ZipPackage упаковывает содержимое каталога packageDir в архив
// manifests.zip в родительском каталоге. Возвращает путь к архиву.
// Любая ошибка упаковки оборачивается с сохранением исходной причины.
func ZipPackage(packageDir string) (string, error) {
	pkg := filepath.Base(packageDir)
	zipPath := filepath.Join(filepath.Dir(packageDir), ArchiveName)

	if err := writeZip(zipPath, packageDir); err != nil {
		// Недописанный архив не оставляем
		os.Remove(zipPath)
		return "", errs.BuildWrap(err, "Unable to zip exported package for %s", pkg)
	}
	return zipPath, nil
}

func writeZip(zipPath, root string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	// Deflate из klauspost/compress вместо стандартного
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			_, err := zw.Create(filepath.ToSlash(rel) + "/")
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if walkErr != nil {
		zw.Close()
		out.Close()
		return walkErr
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
