package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
)

// The standard tools mirror the sample plugin set shipped with the server:
// file read/write, directory listing and creation, and basic arithmetic.
// Each is gated on its capability flag and the sandbox; only ums-calc
// touches neither.

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Full path to text file."`
}

type writeFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path"`
	Data string `json:"data" jsonschema:"description=Text content"`
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Dir path (default .)."`
}

type createDirArgs struct {
	Path string `json:"path" jsonschema:"description=New folder path."`
}

type calcArgs struct {
	A         float64 `json:"a" jsonschema:"description=First op"`
	B         float64 `json:"b" jsonschema:"description=Second op"`
	Operation string  `json:"operation" jsonschema:"description=add|subtract|multiply|divide"`
}

// schemaOf reflects a parameter struct into an inline JSON Schema object.
func schemaOf(v interface{}) json.RawMessage {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := schema.MarshalJSON()
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// RegisterStandard adds the standard tool set to the registry. Nothing is
// enabled here; enablement comes from configuration.
func RegisterStandard(reg *Registry) {
	reg.Register("ums-readfile", Definition{
		Description: "Reads file. Needs Read Files & sandbox.",
		Parameters:  schemaOf(&readFileArgs{}),
		Handler:     readFileTool,
	})
	reg.Register("ums-writefile", Definition{
		Description: "Writes text to file. Needs Write Files & sandbox.",
		Parameters:  schemaOf(&writeFileArgs{}),
		Handler:     writeFileTool,
	})
	reg.Register("ums-listdir", Definition{
		Description: "Lists dir. Needs Search Dirs & sandbox.",
		Parameters:  schemaOf(&listDirArgs{}),
		Handler:     listDirTool,
	})
	reg.Register("ums-createdir", Definition{
		Description: "Creates dir. Needs Create Dirs & sandbox.",
		Parameters:  schemaOf(&createDirArgs{}),
		Handler:     createDirTool,
	})
	reg.Register("ums-calc", Definition{
		Description: "Basic arithmetic.",
		Parameters:  schemaOf(&calcArgs{}),
		Handler:     calcTool,
	})
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberArg(args map[string]interface{}, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func readFileTool(ctx *Context, args map[string]interface{}) (interface{}, error) {
	ctx.Logf("ums-readfile invoked.")
	if !ctx.Permissions.AllowReadFiles {
		return nil, errors.New("Perm denied: Read Files for 'ums-readfile'.")
	}
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return nil, errors.New("Arg err: 'path' required for 'ums-readfile'.")
	}
	if err := ctx.Enforce(path); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("File err: Could not read file '%s'.", path)
	}
	ctx.Logf("ums-readfile success: %s", path)
	return string(content), nil
}

func writeFileTool(ctx *Context, args map[string]interface{}) (interface{}, error) {
	ctx.Logf("ums-writefile invoked.")
	if !ctx.Permissions.AllowWriteFiles {
		return nil, errors.New("Perm denied: Write Files for 'ums-writefile'.")
	}
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return nil, errors.New("Arg err: 'path' for 'ums-writefile'.")
	}
	data, ok := stringArg(args, "data")
	if !ok {
		return nil, errors.New("Arg err: 'data' for 'ums-writefile'.")
	}
	if err := ctx.Enforce(path); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return nil, fmt.Errorf("FS err: Failed save '%s'.", path)
	}
	ctx.Logf("Data saved '%s'.", path)
	return true, nil
}

func listDirTool(ctx *Context, args map[string]interface{}) (interface{}, error) {
	ctx.Logf("ums-listdir invoked.")
	if !ctx.Permissions.AllowSearchDirs {
		return nil, errors.New("Perm denied: Search Dirs for 'ums-listdir'.")
	}
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		path = "."
	}
	if path == "." {
		if roots := ctx.Sandbox.Roots(); len(roots) > 0 {
			path = roots[0]
		} else {
			ctx.Logf("Warn: listdir '.' no sandbox, CWD.")
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("FS err: Failed resolve working directory.")
			}
			path = cwd
		}
	}
	if err := ctx.Enforce(path); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("FS err: Could not list dir '%s'.", path)
	}
	listing := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		item := map[string]interface{}{
			"name":    entry.Name(),
			"is_dir":  entry.IsDir(),
			"is_file": entry.Type().IsRegular(),
		}
		if entry.Type().IsRegular() {
			if info, err := entry.Info(); err == nil {
				item["size"] = info.Size()
			}
		}
		listing = append(listing, item)
	}
	ctx.Logf("listdir success '%s', %d items.", path, len(listing))
	return listing, nil
}

func createDirTool(ctx *Context, args map[string]interface{}) (interface{}, error) {
	ctx.Logf("ums-createdir invoked.")
	if !ctx.Permissions.AllowCreateDirs {
		return nil, errors.New("Perm denied: Create Dirs for 'ums-createdir'.")
	}
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return nil, errors.New("Arg err: 'path' for 'ums-createdir'.")
	}
	if err := ctx.Enforce(path); err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		ctx.Logf("Dir '%s' exists.", path)
		return true, nil
	}
	if err := os.MkdirAll(filepath.Clean(path), 0o755); err != nil {
		return nil, fmt.Errorf("FS err: Failed create dir '%s'.", path)
	}
	ctx.Logf("Dir '%s' created.", path)
	return true, nil
}

func calcTool(ctx *Context, args map[string]interface{}) (interface{}, error) {
	ctx.Logf("ums-calc invoked.")
	a, ok := numberArg(args, "a")
	if !ok {
		return nil, errors.New("Arg err: 'a' num for 'ums-calc'.")
	}
	b, ok := numberArg(args, "b")
	if !ok {
		return nil, errors.New("Arg err: 'b' num for 'ums-calc'.")
	}
	op, ok := stringArg(args, "operation")
	if !ok || op == "" {
		return nil, errors.New("Arg err: 'operation' for 'ums-calc'.")
	}
	switch op {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return nil, errors.New("Arith err: Div by zero 'ums-calc'.")
		}
		return a / b, nil
	}
	return nil, fmt.Errorf("Arg err: Unknown op '%s' for 'ums-calc'.", op)
}
