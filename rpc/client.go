package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const ClientTimeout = 20 * time.Second

// CallRPC posts a method call to the node status endpoint and returns the
// raw JSON of the response data.
func CallRPC(node, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(Call{Method: method, Params: params})
	if err != nil {
		panic(err)
	}
	req, err := http.NewRequest("POST", node, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: ClientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return nil, fmt.Errorf("CallRPC(%s, %s) => %d %v", node, method, resp.StatusCode, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("CallRPC(%s, %s) => %s", node, method, result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CallRPC(%s, %s) => %d", node, method, resp.StatusCode)
	}
	if len(result.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return result.Data, nil
}
