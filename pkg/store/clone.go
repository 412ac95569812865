package store

import "github.com/agentfleet/foreman/pkg/models"

// Deep-copy helpers. The memory engine hands out and stores only copies so
// no caller can mutate shared state behind the lock.

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProject(p *models.Project) *models.Project {
	if p == nil {
		return nil
	}
	out := *p
	if p.Budget != nil {
		b := *p.Budget
		out.Budget = &b
	}
	if p.ZoneConfig != nil {
		zc := models.ProjectZoneConfig{DefaultPolicy: p.ZoneConfig.DefaultPolicy}
		zc.Zones = make([]models.ZoneDefinition, len(p.ZoneConfig.Zones))
		for i, z := range p.ZoneConfig.Zones {
			z.Owners = cloneStrings(z.Owners)
			zc.Zones[i] = z
		}
		out.ZoneConfig = &zc
	}
	return &out
}

func cloneAgent(a *models.AgentProfile) *models.AgentProfile {
	if a == nil {
		return nil
	}
	out := *a
	out.Capabilities = cloneStrings(a.Capabilities)
	out.Metadata = cloneMeta(a.Metadata)
	if a.LastHeartbeat != nil {
		hb := *a.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	return &out
}

func cloneTask(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Dependencies = cloneStrings(t.Dependencies)
	out.Files = cloneStrings(t.Files)
	out.Tags = cloneStrings(t.Tags)
	out.Metadata = cloneMeta(t.Metadata)
	return &out
}

func cloneLock(l *models.FileLock) *models.FileLock {
	if l == nil {
		return nil
	}
	out := *l
	return &out
}

func cloneCostEvent(e *models.CostEvent) *models.CostEvent {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

func cloneActionLogEntry(e *models.ActionLogEntry) *models.ActionLogEntry {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

func cloneEscalation(e *models.Escalation) *models.Escalation {
	if e == nil {
		return nil
	}
	out := *e
	out.Context = cloneMeta(e.Context)
	if e.SnoozedUntil != nil {
		t := *e.SnoozedUntil
		out.SnoozedUntil = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func cloneAccessRequest(r *models.AccessRequest) *models.AccessRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		out.ReviewedAt = &t
	}
	return &out
}
