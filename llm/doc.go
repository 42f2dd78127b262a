// Package llm holds the external collaborators of the retrieval core:
// embedders, completion services and rerankers, plus the Answerer that turns
// retrieved passages into a grounded answer.
//
// Backends are chosen once at startup from configuration. The OpenAI client
// covers OpenAI itself and every OpenAI-compatible endpoint, which includes
// Groq in the cloud and Ollama locally.
package llm
