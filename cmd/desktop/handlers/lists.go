package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/cartsync/internal/models"
)

// ListService is the part of the replica the list handlers need.
type ListService interface {
	Lists(ctx context.Context) ([]*models.ShoppingList, error)
	GetList(ctx context.Context, id string) (*models.ShoppingList, error)
	SaveList(ctx context.Context, list *models.ShoppingList) error
	DeleteList(ctx context.Context, id string) error
	AddItemToList(ctx context.Context, listID string, item *models.ShoppingItem) error
}

// ListHandler handles shopping list operations.
type ListHandler struct {
	svc ListService
}

// NewListHandler creates a new ListHandler.
func NewListHandler(svc ListService) *ListHandler {
	return &ListHandler{svc: svc}
}

// ListLists handles GET /api/lists
func (h *ListHandler) ListLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.svc.Lists(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if lists == nil {
		lists = []*models.ShoppingList{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": lists,
		"total": len(lists),
	})
}

// SaveList handles POST /api/lists. A body without an id creates a list;
// with a known id it replaces that list.
func (h *ListHandler) SaveList(w http.ResponseWriter, r *http.Request) {
	var list models.ShoppingList
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	created := list.ID == ""
	if !created {
		if _, err := h.svc.GetList(r.Context(), list.ID); err != nil {
			created = true
		}
	}
	if err := h.svc.SaveList(r.Context(), &list); err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &list)
}

// GetList handles GET /api/lists/{id}
func (h *ListHandler) GetList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.GetList(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteList handles DELETE /api/lists/{id}
func (h *ListHandler) DeleteList(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteList(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /api/lists/{id}/items
func (h *ListHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var item models.ShoppingItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}

	if err := h.svc.AddItemToList(r.Context(), r.PathValue("id"), &item); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &item)
}
