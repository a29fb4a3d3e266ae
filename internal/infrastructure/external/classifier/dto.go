package classifier

// classifyRequest is the body of POST /v1/classify.
type classifyRequest struct {
	Events []eventDTO `json:"events"`
}

type eventDTO struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
}

type classifyResponse struct {
	Results []resultDTO `json:"results"`
}

type resultDTO struct {
	ID          string  `json:"id"`
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	Confidence  float64 `json:"confidence"`
}

type errorResponse struct {
	Error string `json:"error"`
}
