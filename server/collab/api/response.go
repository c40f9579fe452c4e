package api

import (
	"collab_server/server/collab/domain"
	"collab_server/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type LocksResponse struct {
	DocumentID string               `json:"document_id"`
	Locks      []domain.SectionLock `json:"locks"`
}

type CommentsResponse struct {
	DocumentID string           `json:"document_id"`
	Comments   []domain.Comment `json:"comments"`
}

type CollaboratorsResponse struct {
	DocumentID    string            `json:"document_id"`
	Collaborators []domain.Presence `json:"collaborators"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}
