package memory

import "vivarium/pkg/domain"

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneAnimal(a Animal) Animal {
	a.Genotype = clonePtr(a.Genotype)
	a.BirthDate = clonePtr(a.BirthDate)
	a.HousingID = clonePtr(a.HousingID)
	return a
}

func cloneRequest(r AnimalRequest) AnimalRequest {
	r.StudyID = clonePtr(r.StudyID)
	r.NeededBy = clonePtr(r.NeededBy)
	r.Criteria.Genotype = clonePtr(r.Criteria.Genotype)
	r.Criteria.StrainAlternatives = cloneStrings(r.Criteria.StrainAlternatives)
	r.Criteria.GenotypeAlternatives = cloneStrings(r.Criteria.GenotypeAlternatives)
	r.Criteria.MinAgeDays = clonePtr(r.Criteria.MinAgeDays)
	r.Criteria.MaxAgeDays = clonePtr(r.Criteria.MaxAgeDays)
	r.StatusLog = cloneStatusLog(r.StatusLog)
	return r
}

func cloneStatusLog(in []domain.StatusChange) []domain.StatusChange {
	if in == nil {
		return nil
	}
	out := make([]domain.StatusChange, len(in))
	for i, entry := range in {
		entry.Notes = clonePtr(entry.Notes)
		out[i] = entry
	}
	return out
}

func cloneAllocation(a Allocation) Allocation {
	a.ReleasedAt = clonePtr(a.ReleasedAt)
	a.ReleasedReason = clonePtr(a.ReleasedReason)
	return a
}

func cloneStudy(s Study) Study {
	s.Description = clonePtr(s.Description)
	return s
}

func cloneSample(s Sample) Sample {
	s.AnimalID = clonePtr(s.AnimalID)
	return s
}
