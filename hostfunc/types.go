package hostfunc

import "time"

// Argument and result shapes of the built-in host functions. They are not
// used for decoding; the CLI reflects them into JSON Schema so callers can
// see what each function accepts.

type KVGetArgs struct {
	Key     string `json:"key" jsonschema:"required,maxLength=256"`
	Default any    `json:"default,omitempty"`
}

type KVSetArgs struct {
	Key   string `json:"key" jsonschema:"required,maxLength=256"`
	Value any    `json:"value" jsonschema:"required"`
}

type KVDeleteArgs struct {
	Key string `json:"key" jsonschema:"required"`
}

type KVKeysArgs struct {
	Prefix string `json:"prefix,omitempty"`
}

type HTTPGetArgs struct {
	URL string `json:"url" jsonschema:"required,format=uri"`
}

type HTTPRequestArgs struct {
	URL     string            `json:"url" jsonschema:"required,format=uri"`
	Method  string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=DELETE,enum=PATCH,enum=HEAD,enum=OPTIONS,default=GET"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type FSPathArgs struct {
	Path string `json:"path" jsonschema:"required"`
}

type FSWriteArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type FSEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type FSStat struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Signature pairs a host function name with its argument and result shapes.
type Signature struct {
	Name   string
	Args   any
	Result any
}

// Signatures describes every built-in host function, sorted by name.
func Signatures() []Signature {
	return []Signature{
		{Name: "fs_exists", Args: FSPathArgs{}, Result: false},
		{Name: "fs_list", Args: FSPathArgs{}, Result: []FSEntry{}},
		{Name: "fs_mkdir", Args: FSPathArgs{}, Result: ""},
		{Name: "fs_read", Args: FSPathArgs{}, Result: ""},
		{Name: "fs_remove", Args: FSPathArgs{}, Result: ""},
		{Name: "fs_stat", Args: FSPathArgs{}, Result: FSStat{}},
		{Name: "fs_write", Args: FSWriteArgs{}, Result: ""},
		{Name: "http_get", Args: HTTPGetArgs{}, Result: HTTPResponse{}},
		{Name: "http_request", Args: HTTPRequestArgs{}, Result: HTTPResponse{}},
		{Name: "kv_delete", Args: KVDeleteArgs{}, Result: ""},
		{Name: "kv_get", Args: KVGetArgs{}, Result: nil},
		{Name: "kv_keys", Args: KVKeysArgs{}, Result: []string{}},
		{Name: "kv_set", Args: KVSetArgs{}, Result: ""},
		{Name: "time_now", Args: struct{}{}, Result: 0.0},
	}
}
