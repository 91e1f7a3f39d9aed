package handler

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hitoshi/todosync/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの最大サイズ。
const maxRequestBodySize = 64 * 1024

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	credentialsSchema = mustCompileSchema("credentials.json")
	taskCreateSchema  = mustCompileSchema("task_create.json")
	taskUpdateSchema  = mustCompileSchema("task_update.json")
)

// mustCompileSchema は埋め込みのJSON Schemaをコンパイルする。
func mustCompileSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// decodeJSON はリクエストボディをスキーマで検証してからdstにデコードする。
// 不正なボディにはINVALID_REQUESTを返す。
func decodeJSON(r *http.Request, schema *jsonschema.Schema, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return model.NewInvalidRequestError("failed to read body")
	}
	if len(body) > maxRequestBodySize {
		return model.NewInvalidRequestError("body too large")
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.NewInvalidRequestError("malformed JSON")
	}

	if err := schema.Validate(raw); err != nil {
		return model.NewInvalidRequestError(schemaErrorMessage(err))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return model.NewInvalidRequestError("malformed JSON")
	}
	return nil
}

// schemaErrorMessage は検証エラーから最初の末端エラーを取り出し、
// "パス: メッセージ"の形式にする。
func schemaErrorMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	path := strings.TrimPrefix(ve.InstanceLocation, "/")
	if path == "" {
		return ve.Message
	}
	return strings.ReplaceAll(path, "/", ".") + ": " + ve.Message
}
