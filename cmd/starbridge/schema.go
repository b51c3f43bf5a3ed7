package main

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/starbridge/hostfunc"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [function]",
	Short: "Print JSON Schema for host functions and the HTTP API",
	Long: `Print the JSON Schema of every built-in host function's arguments and
result, and of the request and response bodies accepted by 'serve'.
Pass a function name to print only that function.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

type functionSchema struct {
	Args   *jsonschema.Schema `json:"args"`
	Result *jsonschema.Schema `json:"result"`
}

type schemaDocument struct {
	Functions map[string]functionSchema     `json:"functions"`
	API       map[string]*jsonschema.Schema `json:"api,omitempty"`
}

func reflectSchema(v any) *jsonschema.Schema {
	if v == nil {
		// Any JSON value.
		return &jsonschema.Schema{}
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// Only structs have a definition to expand inline.
	reflector := jsonschema.Reflector{
		ExpandedStruct: t.Kind() == reflect.Struct,
	}
	return reflector.Reflect(v)
}

func buildSchema(function string) (*schemaDocument, error) {
	doc := &schemaDocument{Functions: make(map[string]functionSchema)}
	for _, sig := range hostfunc.Signatures() {
		if function != "" && sig.Name != function {
			continue
		}
		doc.Functions[sig.Name] = functionSchema{
			Args:   reflectSchema(sig.Args),
			Result: reflectSchema(sig.Result),
		}
	}
	if function != "" {
		if len(doc.Functions) == 0 {
			return nil, fmt.Errorf("unknown host function %q", function)
		}
		return doc, nil
	}

	doc.API = map[string]*jsonschema.Schema{
		"execute_request":         reflectSchema(executeRequest{}),
		"execute_response":        reflectSchema(executeResponse{}),
		"create_session_request":  reflectSchema(createSessionRequest{}),
		"create_session_response": reflectSchema(createSessionResponse{}),
		"session_exec_request":    reflectSchema(sessionExecRequest{}),
		"call_request":            reflectSchema(callRequest{}),
		"call_response":           reflectSchema(callResponse{}),
	}
	return doc, nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	var function string
	if len(args) > 0 {
		function = args[0]
	}
	doc, err := buildSchema(function)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
