package domain

// Project owns photos and batches. It is managed outside the pipeline.
type Project struct {
	ID          string
	OwnerUserID string
	Name        string
}

func (p *Project) OwnedBy(userID string) bool {
	return p != nil && p.OwnerUserID == userID
}
