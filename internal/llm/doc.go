// Package llm groups the embedding and text-generation capabilities.
//
// openai talks to any OpenAI-compatible endpoint (OpenAI, Ollama, vLLM) through
// langchaingo; hashembed is a deterministic offline embedder for development
// and tests.
package llm
