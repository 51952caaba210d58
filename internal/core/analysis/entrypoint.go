package analysis

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Entrypoint generation is a pure function of the analysis result. The
// generated file runs inside the sandbox and speaks the artifact
// protocol: request and config are read from fixed paths, the handler's
// response shape is serialized to the result artifact.
const entrypointTemplate = `import json
import os
import sys

SANDBOX = "/sandbox"


def _read_json(path, default):
    try:
        with open(path) as fh:
            value = json.load(fh)
    except (OSError, ValueError):
        return default
    if not isinstance(value, dict):
        return default
    return value


def _write_result(payload):
    with open(os.path.join(SANDBOX, "result.json"), "w") as fh:
        json.dump(payload, fh)


def main():
    config = _read_json(os.path.join(SANDBOX, "config.json"), {})
    env = dict(os.environ)
    env["FAAS_CONFIG"] = json.dumps(config)

    request = _read_json(os.path.join(SANDBOX, "request.json"), {})
    request.setdefault("method", "POST")
    request.setdefault("path", "/")
    request.setdefault("headers", {})
    request.setdefault("query", {})
    request.setdefault("body", {})

    from {{.HandlerModule}} import {{.HandlerClass}}

    handler = {{.HandlerClass}}()
    response = handler.handle(request, env)
    _write_result({"body": response})


if __name__ == "__main__":
    try:
        main()
    except Exception as exc:
        _write_result({"body": {"statusCode": 500, "body": {"error": str(exc)}}})
        sys.exit(1)
`

var entrypointTmpl = template.Must(template.New("entrypoint").Parse(entrypointTemplate))

// GenerateEntrypoint renders the sandbox entrypoint for the handler
// located by a valid analysis. It never runs user code.
func GenerateEntrypoint(res *Result) (string, error) {
	if res == nil || !res.IsValid {
		return "", errors.New("entrypoint requires a valid analysis result")
	}
	if res.HandlerClass == "" || res.HandlerModule == "" {
		return "", errors.New("analysis result carries no handler location")
	}
	if !identRe.MatchString(res.HandlerClass) || !moduleRe.MatchString(res.HandlerModule) {
		return "", fmt.Errorf("handler location %s.%s is not a valid import target", res.HandlerModule, res.HandlerClass)
	}

	var b strings.Builder
	if err := entrypointTmpl.Execute(&b, res); err != nil {
		return "", fmt.Errorf("render entrypoint: %w", err)
	}
	return b.String(), nil
}
