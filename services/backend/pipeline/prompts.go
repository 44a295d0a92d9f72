// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

// Llama-3 Instruct chat template. llama.cpp injects <|begin_of_text|> as
// the BOS token, so prompts must not repeat it.

// llama3Prompt wraps system and user turns in the exact token structure
// Llama-3 Instruct was trained on. Without it output quality collapses.
func llama3Prompt(system, user string) string {
	return "<|start_header_id|>system<|end_header_id|>\n\n" + system + "<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\n" + user + "<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
}

const smartNoteSystem = "Tu es un assistant de documentation dentaire. " +
	"Tu generes des SmartNotes concises et structurees en francais " +
	"a partir de transcriptions de consultations. " +
	"Reponds uniquement avec la SmartNote au format demande, sans commentaires ni explications."

const smartNoteFormat = "Format:\n" +
	"- Motif : [raison consultation]\n" +
	"- Antecedents : [historique pertinent]\n" +
	"- Examen : [observations cliniques]\n" +
	"- Plan : [traitements proposes]\n" +
	"- Risques : [risques identifies]\n" +
	"- Recommandations : [conseils patient]\n" +
	"- Prochain RDV : [prochaine etape]\n" +
	"- Admin : [devis/paiement si mentionne]"

// smartNotePrompt is the plain summarisation prompt.
func smartNotePrompt(transcription string) string {
	return llama3Prompt(smartNoteSystem,
		"Genere une SmartNote (5-10 lignes) pour cette consultation.\n\n"+
			smartNoteFormat+"\n\n"+
			"Transcription:\n"+transcription)
}

const ragSmartNoteSystem = "Tu es un assistant de documentation dentaire expert. " +
	"Tu generes des SmartNotes concises et structurees en francais " +
	"a partir de transcriptions de consultations. " +
	"Tu disposes de references medicales pertinentes pour enrichir " +
	"et verifier tes recommandations. " +
	"Utilise les references pour verifier les protocoles mentionnes, " +
	"signaler les risques medicamenteux et enrichir les recommandations. " +
	"Reponds uniquement avec la SmartNote au format demande."

const ragSmartNoteFormat = "Format:\n" +
	"- Motif : [raison consultation]\n" +
	"- Antecedents : [historique pertinent]\n" +
	"- Examen : [observations cliniques]\n" +
	"- Plan : [traitements proposes]\n" +
	"- Risques : [risques identifies, interactions medicamenteuses]\n" +
	"- Recommandations : [conseils patient, appuyes par les references]\n" +
	"- Prochain RDV : [prochaine etape]\n" +
	"- Admin : [devis/paiement si mentionne]"

// ragSmartNotePrompt grounds the note in retrieved dental references.
// Empty context falls back to the plain prompt.
func ragSmartNotePrompt(transcription, ragContext string) string {
	if ragContext == "" {
		return smartNotePrompt(transcription)
	}
	return llama3Prompt(ragSmartNoteSystem,
		"Genere une SmartNote (5-10 lignes) pour cette consultation.\n\n"+
			"References medicales pertinentes:\n"+ragContext+"\n\n"+
			ragSmartNoteFormat+"\n\n"+
			"Transcription:\n"+transcription)
}
