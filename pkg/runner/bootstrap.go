package runner

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

//go:embed bootstrap.py.tmpl
var defaultBootstrap string

// bootstrapData is the template context of a generated launch script.
type bootstrapData struct {
	ScriptPath string
	ScriptDir  string
	Module     string
	Entrypoint string
	SessionID  string
}

var bootstrapFuncs = template.FuncMap{
	"quote": strconv.Quote,
}

// parseBootstrap loads the template at path, or the embedded Python
// bootstrap when path is empty.
func parseBootstrap(path string) (*template.Template, error) {
	text := defaultBootstrap
	name := "bootstrap.py"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bootstrap template: %w", err)
		}
		text = string(data)
		name = filepath.Base(path)
	}
	tmpl, err := template.New(name).Funcs(bootstrapFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse bootstrap template: %w", err)
	}
	return tmpl, nil
}

// writeScript renders the bootstrap into a fresh file under the scratch dir.
func (r *Runner) writeScript(sessionID string) (string, error) {
	f, err := os.CreateTemp(r.cfg.ScratchDir, "agent_script_*"+r.scriptExt())
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}

	data := bootstrapData{
		ScriptPath: r.cfg.Script,
		ScriptDir:  r.workDir(),
		Module:     strings.TrimSuffix(filepath.Base(r.cfg.Script), filepath.Ext(r.cfg.Script)),
		Entrypoint: r.cfg.Entrypoint,
		SessionID:  sessionID,
	}
	if err := r.tmpl.Execute(f, data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("render script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	return f.Name(), nil
}

// removeScript deletes a generated script. Failure is logged only.
func (r *Runner) removeScript(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to clean up generated script", "path", path, "err", err)
	}
}

func (r *Runner) scriptExt() string {
	if r.cfg.Bootstrap != "" {
		return filepath.Ext(r.cfg.Bootstrap)
	}
	return ".py"
}
