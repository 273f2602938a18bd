package conflict

import "github.com/kimhsiao/cartsync/internal/models"

// UnionItems keeps every local item and appends remote items whose id is not
// present locally, so local wins ties. Name and budget come from whichever
// side was modified later; timestamps and version take the maximum.
func UnionItems(local, remote *models.ShoppingList) *models.ShoppingList {
	merged := local.Clone()

	if remote.LastModified.After(local.LastModified) {
		merged.Name = remote.Name
		merged.TotalBudget = nil
		if remote.TotalBudget != nil {
			b := *remote.TotalBudget
			merged.TotalBudget = &b
		}
		merged.LastModified = remote.LastModified
	}
	if remote.Version > merged.Version {
		merged.Version = remote.Version
	}

	for _, item := range remote.Items {
		if merged.FindItem(item.ID) < 0 {
			merged.Items = append(merged.Items, item)
		}
	}
	return merged
}

// NewerItem is an item merge that keeps the later-modified side, local on ties.
func NewerItem(local, remote *models.ShoppingItem) *models.ShoppingItem {
	if remote.LastModified.After(local.LastModified) {
		return remote
	}
	return local
}
