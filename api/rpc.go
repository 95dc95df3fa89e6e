// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/store"
)

// SubmitCertificateArgs/Reply and FetchSourceHeadArgs/Reply follow the
// teacher's (*http.Request, *Args, *Reply) error service method shape
// (plugin/evm/service.go's ValidatorsAPI), the gorilla/rpc convention
// already used for the peer transport in network/node.go.
type SubmitCertificateArgs struct {
	Certificate *certificate.Certificate `json:"certificate"`
}

type SubmitCertificateReply struct {
	Result string `json:"result"`
}

type FetchSourceHeadArgs struct {
	Source certificate.SubnetID `json:"source"`
}

type FetchSourceHeadReply struct {
	Found bool        `json:"found"`
	Entry store.Entry `json:"entry"`
}

type rpcService struct {
	svc *Service
}

func (a *rpcService) SubmitCertificate(r *http.Request, args *SubmitCertificateArgs, reply *SubmitCertificateReply) error {
	result, err := a.svc.SubmitCertificate(args.Certificate)
	if err != nil {
		return err
	}
	reply.Result = result.String()
	return nil
}

func (a *rpcService) FetchSourceHead(r *http.Request, args *FetchSourceHeadArgs, reply *FetchSourceHeadReply) error {
	entry, ok := a.svc.FetchSourceHead(args.Source)
	reply.Found = ok
	reply.Entry = entry
	return nil
}

// watchRequest is the JSON body POSTed to /watch to declare a checkpoint.
type watchRequest struct {
	TargetSubnetIDs []certificate.SubnetID `json:"target_subnet_ids"`
	Positions       []TargetStreamPosition `json:"positions"`
}

// Handler exposes Service over HTTP: "/rpc" carries the request/response
// methods (Submit, FetchSourceHead) as gorilla/rpc JSON-RPC, matching the
// peer transport's own convention; "/watch" is a plain chunked
// newline-delimited-JSON stream, since Watch's server push has no
// request/response counterpart for gorilla/rpc to carry. Grounded on
// net/http directly — no library in the pack offers an event-stream
// transport, so this one corner is stdlib rather than a dependency.
func Handler(svc *Service) http.Handler {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	_ = server.RegisterService(&rpcService{svc: svc}, "TCE")

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/watch", watchHandler(svc))
	return mux
}

func watchHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req watchRequest
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch := svc.Watch(r.Context(), TargetCheckpoint{
			TargetSubnetIDs: req.TargetSubnetIDs,
			Positions:       req.Positions,
		})

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for cert := range ch {
			if err := enc.Encode(cert); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
