package rest

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wuayee/waterflow/flow"
	"github.com/wuayee/waterflow/logger"
	"go.uber.org/zap"
)

type nodeView struct {
	MetaId   string        `json:"metaId"`
	Name     string        `json:"name,omitempty"`
	Kind     flow.NodeKind `json:"kind"`
	JoinNode string        `json:"joinNode,omitempty"`
	Next     []string      `json:"next,omitempty"`
}

type flowView struct {
	MetaId     string                 `json:"metaId"`
	Version    string                 `json:"version"`
	Name       string                 `json:"name,omitempty"`
	ThreadMode flow.ThreadMode        `json:"threadMode"`
	OnComplete flow.CompletionHandler `json:"onComplete"`
	Nodes      []nodeView             `json:"nodes"`
}

func newFlowView(def *flow.Definition) flowView {
	view := flowView{
		MetaId:     def.Id,
		Version:    def.Version,
		Name:       def.Name,
		ThreadMode: def.ThreadMode,
		OnComplete: def.OnComplete,
		Nodes:      make([]nodeView, 0, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		nv := nodeView{MetaId: n.MetaId, Name: n.Name, Kind: n.Kind, JoinNode: n.JoinNode}
		for _, e := range n.Out {
			nv.Next = append(nv.Next, def.Nodes[def.Events[e].To].MetaId)
		}
		view.Nodes = append(view.Nodes, nv)
	}
	return view
}

func (s *Server) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "can not read request body")
		return
	}
	def, err := s.metadataService.Register(r.Context(), raw)
	if err != nil {
		logger.Error("error registering flow", zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"metaId": def.Id, "version": def.Version})
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	def, err := s.metadataService.Get(r.Context(), vars["id"], vars["version"])
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newFlowView(def))
}
