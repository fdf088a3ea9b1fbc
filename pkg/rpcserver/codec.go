package rpcserver

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// serviceName is the receiver name the methods are registered under
const serviceName = "express"

// methods maps wire method names to service methods
var methods = map[string]string{
	"invokescript":              "InvokeScript",
	"sendrawtransaction":        "SendRawTransaction",
	"getapplicationlog":         "GetApplicationLog",
	"getblockcount":             "GetBlockCount",
	"calculatenetworkfee":       "CalculateNetworkFee",
	"getversion":                "GetVersion",
	"expresscreatecheckpoint":   "ExpressCreateCheckpoint",
	"expressgetcontractstorage": "ExpressGetContractStorage",
	"expressfastforward":        "ExpressFastForward",
}

// codec is the JSON-RPC 2.0 codec with bare lowercase method names
type codec struct {
	inner *json2.Codec
}

func newCodec() *codec {
	return &codec{inner: json2.NewCodec()}
}

func (c *codec) NewRequest(r *http.Request) rpc.CodecRequest {
	return &codecRequest{CodecRequest: c.inner.NewRequest(r)}
}

type codecRequest struct {
	rpc.CodecRequest
}

func (r *codecRequest) Method() (string, error) {
	m, err := r.CodecRequest.Method()
	if err != nil {
		return m, err
	}
	if name, ok := methods[m]; ok {
		return serviceName + "." + name, nil
	}
	return m, nil
}
